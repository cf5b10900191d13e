package budget

import "fmt"

// ErrExceeded reports a run that went past one of its limits. Kind is
// "tokens" or "time".
type ErrExceeded struct {
	Kind  string
	Used  string
	Limit string
}

func (e ErrExceeded) Error() string {
	return fmt.Sprintf("%s budget exceeded: used %s of %s", e.Kind, e.Used, e.Limit)
}
