package research

import (
	"errors"
	"sync"
)

// ErrStopped is the cooperative cancellation sentinel. Only the orchestrator
// catches it.
var ErrStopped = errors.New("research stopped")

// StopFlag is a one-shot latch. The zero value is ready to use.
type StopFlag struct {
	once sync.Once
	init sync.Once
	ch   chan struct{}
}

func NewStopFlag() *StopFlag {
	s := &StopFlag{}
	s.lazy()
	return s
}

func (s *StopFlag) lazy() {
	s.init.Do(func() { s.ch = make(chan struct{}) })
}

// Set latches the flag. Further calls are no-ops.
func (s *StopFlag) Set() {
	s.lazy()
	s.once.Do(func() { close(s.ch) })
}

func (s *StopFlag) IsSet() bool {
	s.lazy()
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Done is closed once the flag is set.
func (s *StopFlag) Done() <-chan struct{} {
	s.lazy()
	return s.ch
}

// Check returns ErrStopped when the flag is set.
func (s *StopFlag) Check() error {
	if s.IsSet() {
		return ErrStopped
	}
	return nil
}

// isStop reports whether err is the stop sentinel.
func isStop(err error) bool {
	return errors.Is(err, ErrStopped)
}
