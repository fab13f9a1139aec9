// internal/driver/element.go
package driver

import "fmt"

// ElementHandle is an opaque reference to a DOM node, scoped to the browsing
// context and document it was resolved in.
type ElementHandle struct {
	// ID is the transport's reference for the node.
	ID       string
	Owner    ContextID
	Document string
	// Trail records how the handle was located. It is diagnostic only and
	// takes no part in equality.
	Trail []Locator
}

// Equal reports whether both handles denote the same node, however each of
// them was located.
func (h ElementHandle) Equal(other ElementHandle) bool {
	return h.ID == other.ID && h.Owner == other.Owner && h.Document == other.Document
}

// IsZero reports whether h was never resolved.
func (h ElementHandle) IsZero() bool { return h.ID == "" }

func (h ElementHandle) String() string {
	if len(h.Trail) == 0 {
		return fmt.Sprintf("element %s in %s", h.ID, h.Owner)
	}
	return fmt.Sprintf("element %s in %s via %s", h.ID, h.Owner, h.Trail[len(h.Trail)-1])
}

func (h ElementHandle) with(loc Locator) []Locator {
	trail := make([]Locator, 0, len(h.Trail)+1)
	trail = append(trail, h.Trail...)
	return append(trail, loc)
}

// ElementInfo is what a transport reports about a live element.
type ElementInfo struct {
	Tag        string
	Text       string
	Attributes map[string]string
	Displayed  bool
	// Path is an absolute XPath to the node, when the transport can build one.
	Path string
}
