package iodriver

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// SignalWaiter installs handlers for the terminate/quit/interrupt
// signals between Arm and Disarm; other signal.Notify registrations in
// the process keep receiving these signals, so a caller that also
// watches them is not starved. The tcp and winpipe streams arm their
// waiter when the stream is created and disarm it in Close, so the
// handlers stay installed for the stream's whole lifetime rather than
// only during a Wait call. A wait interrupted by one of these signals
// returns Interrupted rather than blocking through it.
type SignalWaiter struct {
	mu      sync.Mutex
	armed   bool
	ch      chan os.Signal
	prior   chan os.Signal
	dispose func()
}

// NewSignalWaiter returns a waiter with no handlers installed yet.
func NewSignalWaiter() *SignalWaiter { return &SignalWaiter{} }

// Arm installs this process's signal handlers for the signals this
// driver treats as interrupting a wait. Safe to call once per Stream;
// Disarm releases it. On platforms without asynchronous signal
// facilities this is a harmless no-op because signal.Notify degrades
// to nothing being delivered.
func (s *SignalWaiter) Arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed {
		return
	}
	s.ch = make(chan os.Signal, 1)
	signal.Notify(s.ch, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT)
	s.armed = true
}

// Disarm restores the prior signal disposition.
func (s *SignalWaiter) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.armed {
		return
	}
	signal.Stop(s.ch)
	s.armed = false
}

// C returns the channel that fires when one of the watched signals
// arrives. Safe-point dispatch to any application-level handler is the
// caller's responsibility, performed immediately after Wait returns
// Interrupted, per the "dispatched at safe points" rule.
func (s *SignalWaiter) C() <-chan os.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}
