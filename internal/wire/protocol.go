// internal/wire/protocol.go
package wire

import (
	"context"
	"encoding/json"
)

// Transport is the narrow command channel between a driver session and a
// browser backend. Every command is addressed to a browsing context by its
// opaque id; commands that are not context-scoped (getTree without a root,
// quit) use an empty id.
//
// Implementations must tolerate Close being called while an Execute is in
// flight on another goroutine.
type Transport interface {
	Execute(ctx context.Context, contextID string, cmd Command, params any) (json.RawMessage, error)
	Close(ctx context.Context) error
}

// Command names a single operation understood by a Transport.
type Command string

const (
	CmdGetTree         Command = "getTree"
	CmdNavigate        Command = "navigate"
	CmdReload          Command = "reload"
	CmdTraverseHistory Command = "traverseHistory"
	CmdGetTitle        Command = "getTitle"
	CmdGetURL          Command = "getURL"
	CmdFindElements    Command = "findElements"
	CmdDescribeElement Command = "describeElement"
	CmdActiveElement   Command = "activeElement"
	CmdNewWindow       Command = "newWindow"
	CmdCloseWindow     Command = "closeWindow"
	CmdGetAlert        Command = "getAlert"
	CmdAcceptAlert     Command = "acceptAlert"
	CmdDismissAlert    Command = "dismissAlert"
	CmdSendAlertText   Command = "sendAlertText"
	CmdSetTimeouts     Command = "setTimeouts"
	CmdQuit            Command = "quit"
)

// IsAlertCommand reports whether cmd is directed at a user prompt and must
// therefore bypass alert gating.
func IsAlertCommand(cmd Command) bool {
	switch cmd {
	case CmdGetAlert, CmdAcceptAlert, CmdDismissAlert, CmdSendAlertText, CmdQuit:
		return true
	}
	return false
}

// Context kinds as reported in ContextInfo.Kind.
const (
	KindWindow = "window"
	KindFrame  = "frame"
	KindIframe = "iframe"
)

// Locator strategies understood by transports. Higher level strategies
// (id, name, class name) are normalized to CSS selectors by the client.
const (
	UsingCSS             = "css selector"
	UsingLinkText        = "link text"
	UsingPartialLinkText = "partial link text"
	UsingTagName         = "tag name"
	UsingXPath           = "xpath"
)

// Prompt types as reported in AlertInfo.Type.
const (
	PromptAlert        = "alert"
	PromptConfirm      = "confirm"
	PromptPrompt       = "prompt"
	PromptBeforeUnload = "beforeunload"
)

// TreeParams selects a subtree for CmdGetTree. An empty Root returns every
// top-level window.
type TreeParams struct {
	Root     string `json:"root,omitempty"`
	MaxDepth *int   `json:"maxDepth,omitempty"`
}

// ContextInfo describes one browsing context and, optionally, its descendants.
type ContextInfo struct {
	Context  string        `json:"context"`
	Kind     string        `json:"kind"`
	Parent   string        `json:"parent,omitempty"`
	Name     string        `json:"name,omitempty"`
	HostID   string        `json:"hostId,omitempty"`
	Host     string        `json:"host,omitempty"`
	URL      string        `json:"url"`
	Title    string        `json:"title"`
	Document string        `json:"document"`
	Children []ContextInfo `json:"children,omitempty"`
}

// TreeResult is the reply to CmdGetTree.
type TreeResult struct {
	Contexts []ContextInfo `json:"contexts"`
}

// NavigateParams is sent with CmdNavigate. The reply is a ContextInfo for the
// navigated context, children included.
type NavigateParams struct {
	URL string `json:"url"`
}

// TraverseParams is sent with CmdTraverseHistory; -1 is back, +1 is forward.
type TraverseParams struct {
	Delta int `json:"delta"`
}

// FindParams is sent with CmdFindElements. From scopes the search to the
// subtree of an element reference in the same context.
type FindParams struct {
	Using string `json:"using"`
	Value string `json:"value"`
	From  string `json:"from,omitempty"`
}

// ElementRef identifies a DOM node. The reference is stable for the lifetime
// of the node within its document.
type ElementRef struct {
	Element  string `json:"element"`
	Document string `json:"document"`
}

// FindResult is the reply to CmdFindElements, in document order.
type FindResult struct {
	Elements []ElementRef `json:"elements"`
}

// DescribeParams is sent with CmdDescribeElement.
type DescribeParams struct {
	Element string `json:"element"`
}

// ElementDescription is the reply to CmdDescribeElement.
type ElementDescription struct {
	Tag        string            `json:"tag"`
	Text       string            `json:"text"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Displayed  bool              `json:"displayed"`
	Path       string            `json:"path,omitempty"`
}

// NewWindowParams is sent with CmdNewWindow.
type NewWindowParams struct {
	URL  string `json:"url,omitempty"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
}

// NewWindowResult is the reply to CmdNewWindow.
type NewWindowResult struct {
	Context string `json:"context"`
}

// CloseWindowResult is the reply to CmdCloseWindow.
type CloseWindowResult struct {
	Remaining []string `json:"remaining"`
}

// AlertInfo is the reply to CmdGetAlert.
type AlertInfo struct {
	Text    string `json:"text"`
	Type    string `json:"type"`
	Default string `json:"default,omitempty"`
}

// AlertTextParams is sent with CmdSendAlertText.
type AlertTextParams struct {
	Text string `json:"text"`
}

// Timeouts is sent with CmdSetTimeouts. Values are milliseconds.
type Timeouts struct {
	Implicit int64 `json:"implicit"`
	PageLoad int64 `json:"pageLoad"`
	Script   int64 `json:"script"`
}

// StringValue wraps scalar string replies such as CmdGetTitle.
type StringValue struct {
	Value string `json:"value"`
}
