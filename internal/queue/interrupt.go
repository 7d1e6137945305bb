package queue

import (
	"sync"
)

// InterruptFlag is the process-wide interrupt reason. Signal handlers set
// it once; workers and the main loop poll it, and in-flight child
// processes watch the abort channel. This is deliberately the only piece
// of ambient state in the build core.
type InterruptFlag struct {
	mu     sync.Mutex
	reason string
	abort  chan struct{}
}

// NewInterruptFlag returns an unset flag.
func NewInterruptFlag() *InterruptFlag {
	return &InterruptFlag{abort: make(chan struct{})}
}

// Set records the interrupt reason and closes the abort channel. Only the
// first call wins.
func (f *InterruptFlag) Set(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reason != "" {
		return
	}
	f.reason = reason
	close(f.abort)
}

// Reason returns the recorded reason, or "" when not interrupted.
func (f *InterruptFlag) Reason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

// AbortChannel is closed once the flag is set; hand it to child process
// supervision.
func (f *InterruptFlag) AbortChannel() <-chan struct{} {
	return f.abort
}
