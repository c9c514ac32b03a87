package pool

import "fmt"

// UnknownViewError reports a request for a view id that is not configured
// or not enabled.
type UnknownViewError struct {
	ViewID string
}

func (e *UnknownViewError) Error() string {
	return fmt.Sprintf("unknown view %q", e.ViewID)
}

// TooManyActiveViewsError reports an activation rejected by admission
// control. ActiveViews lists the ids counted against the limit, including
// unexpired reservations.
type TooManyActiveViewsError struct {
	Limit       int
	ActiveViews []string
	Requested   string
}

func (e *TooManyActiveViewsError) Error() string {
	return fmt.Sprintf("too many active views: %d of %d in use, %q rejected", len(e.ActiveViews), e.Limit, e.Requested)
}
