// internal/driver/wait/conditions.go
package wait

import (
	"context"
	"slices"
	"strings"

	"github.com/xkilldash9x/scalpel-driver/internal/driver"
)

// TitleIs waits for the current window title to equal title.
func TitleIs(title string) Condition[bool] {
	return func(ctx context.Context, s *driver.Session) (bool, error) {
		got, err := s.Title(ctx)
		return err == nil && got == title, err
	}
}

// TitleContains waits for the current window title to contain sub.
func TitleContains(sub string) Condition[bool] {
	return func(ctx context.Context, s *driver.Session) (bool, error) {
		got, err := s.Title(ctx)
		return err == nil && strings.Contains(got, sub), err
	}
}

// URLContains waits for the current window URL to contain sub.
func URLContains(sub string) Condition[bool] {
	return func(ctx context.Context, s *driver.Session) (bool, error) {
		got, err := s.CurrentURL(ctx)
		return err == nil && strings.Contains(got, sub), err
	}
}

// ElementLocated waits for loc to match in the current context.
func ElementLocated(loc driver.Locator) Condition[driver.ElementHandle] {
	return func(ctx context.Context, s *driver.Session) (driver.ElementHandle, error) {
		return s.FindElement(ctx, loc)
	}
}

// ElementsLocated waits for loc to match at least once.
func ElementsLocated(loc driver.Locator) Condition[[]driver.ElementHandle] {
	return func(ctx context.Context, s *driver.Session) ([]driver.ElementHandle, error) {
		return s.FindElements(ctx, loc)
	}
}

// ElementVisible waits for loc to match an element that is displayed. An
// element going stale between lookup and inspection counts as "not yet".
func ElementVisible(loc driver.Locator) Condition[driver.ElementHandle] {
	return func(ctx context.Context, s *driver.Session) (driver.ElementHandle, error) {
		h, err := s.FindElement(ctx, loc)
		if err != nil {
			return driver.ElementHandle{}, err
		}
		info, err := s.Describe(ctx, h)
		switch {
		case driver.IsKind(err, driver.StaleElementReference):
			return driver.ElementHandle{}, nil
		case err != nil:
			return driver.ElementHandle{}, err
		case !info.Displayed:
			return driver.ElementHandle{}, nil
		}
		return h, nil
	}
}

// StalenessOf waits for h to go stale.
func StalenessOf(h driver.ElementHandle) Condition[bool] {
	return func(ctx context.Context, s *driver.Session) (bool, error) {
		_, err := s.Describe(ctx, h)
		if driver.IsKind(err, driver.StaleElementReference) {
			return true, nil
		}
		return false, err
	}
}

// NumberOfWindowsToBe waits for exactly n open windows.
func NumberOfWindowsToBe(n int) Condition[bool] {
	return func(ctx context.Context, s *driver.Session) (bool, error) {
		handles, err := s.WindowHandles(ctx)
		return err == nil && len(handles) == n, err
	}
}

// NewWindowIsOpened waits for a window that is not in existing and returns
// its handle.
func NewWindowIsOpened(existing []driver.ContextID) Condition[driver.ContextID] {
	return func(ctx context.Context, s *driver.Session) (driver.ContextID, error) {
		handles, err := s.WindowHandles(ctx)
		if err != nil {
			return "", err
		}
		for _, h := range handles {
			if !slices.Contains(existing, h) {
				return h, nil
			}
		}
		return "", nil
	}
}

// AlertIsPresent waits for a dialog in the current window.
func AlertIsPresent() Condition[*driver.Alert] {
	return func(ctx context.Context, s *driver.Session) (*driver.Alert, error) {
		a, err := s.Alert(ctx)
		if driver.IsKind(err, driver.NoAlertPresent) {
			return nil, nil
		}
		return a, err
	}
}

// FrameAvailableAndSwitchToIt waits for ref to resolve under the current
// context and switches into it.
func FrameAvailableAndSwitchToIt(ref driver.FrameRef) Condition[bool] {
	return func(ctx context.Context, s *driver.Session) (bool, error) {
		err := s.SwitchToFrame(ctx, ref)
		if driver.IsKind(err, driver.NoSuchFrame) {
			return false, nil
		}
		return err == nil, err
	}
}

// Not inverts cond. A NotFound from cond counts as the condition being false.
func Not[T any](cond Condition[T]) Condition[bool] {
	return func(ctx context.Context, s *driver.Session) (bool, error) {
		v, err := cond(ctx, s)
		switch {
		case driver.IsKind(err, driver.NotFound):
			return true, nil
		case err != nil:
			return false, err
		}
		return !truthy(v), nil
	}
}
