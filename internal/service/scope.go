package service

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Scope collects channel handles and bindings and releases them together, in
// reverse order of acquisition. A view creates one scope on mount and closes
// it on teardown.
type Scope struct {
	mu      sync.Mutex
	closers []io.Closer
	closed  bool
	stop    func() bool
}

// NewScope returns a scope that also closes when ctx is done
func NewScope(ctx context.Context) *Scope {
	s := &Scope{}
	if ctx != nil {
		s.stop = context.AfterFunc(ctx, func() { _ = s.Close() })
	}
	return s
}

// Acquire claims a channel and ties the claim to the scope
func (s *Scope) Acquire(cm *ChannelManager, name string) (*ChannelHandle, error) {
	h, err := cm.Acquire(name)
	if err != nil {
		return nil, err
	}
	if !s.add(h) {
		cm.Release(h)
		return nil, errScopeClosed
	}
	return h, nil
}

// On binds a handler and ties the binding to the scope
func (s *Scope) On(d *Dispatcher, h *ChannelHandle, event string, fn Handler) (*Binding, error) {
	b, err := d.On(h, event, fn)
	if err != nil {
		return nil, err
	}
	if !s.add(b) {
		d.Off(b)
		return nil, errScopeClosed
	}
	return b, nil
}

// Add ties any closer to the scope. Adding to a closed scope closes c at once.
func (s *Scope) Add(c io.Closer) {
	if !s.add(c) {
		_ = c.Close()
	}
}

func (s *Scope) add(c io.Closer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closers = append(s.closers, c)
	return true
}

// Closed reports whether Close has run
func (s *Scope) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases everything in reverse order. Later calls are no-ops.
func (s *Scope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	closers := s.closers
	s.closers = nil
	stop := s.stop
	s.mu.Unlock()

	if stop != nil {
		stop()
	}

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var errScopeClosed = errors.New("scope is closed")
