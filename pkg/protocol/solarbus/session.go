package solarbus

import (
	"context"
	"sync"

	solarbusruntime "github.com/antoine510/solar-mgr/pkg/protocol/solarbus/runtime"
)

// session hands the single Transport of the bus to one holder at a time.
// Waiters are served in arrival order.
type session struct {
	transport    Transport
	idle         bool
	closed       bool
	mux          sync.Mutex
	connRequests map[uint64]chan Transport
	nextRequest  uint64
}

func newSession(t Transport) *session {
	return &session{
		transport:    t,
		idle:         true,
		connRequests: make(map[uint64]chan Transport),
		nextRequest:  1,
	}
}

// getTransport blocks until the bus is free. ctx only bounds the wait.
func (s *session) getTransport(ctx context.Context) (Transport, error) {
	select {
	default:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		return nil, solarbusruntime.ErrSerialPortClosed
	}
	if s.idle {
		s.idle = false
		s.mux.Unlock()
		return s.transport, nil
	}

	tCh := make(chan Transport, 1)
	key := s.nextRequestKey()
	s.connRequests[key] = tCh
	s.mux.Unlock()

	select {
	case <-ctx.Done():
		s.mux.Lock()
		delete(s.connRequests, key)
		s.mux.Unlock()
		select {
		default:
		case t, ok := <-tCh:
			// handed over between ctx expiry and the delete above
			if ok && t != nil {
				s.releaseTransport()
			}
		}
		return nil, ctx.Err()
	case t, ok := <-tCh:
		if !ok {
			return nil, solarbusruntime.ErrSerialPortClosed
		}
		return t, nil
	}
}

func (s *session) releaseTransport() {
	s.mux.Lock()
	defer s.mux.Unlock()
	if len(s.connRequests) > 0 {
		var first uint64
		for key := range s.connRequests {
			if first == 0 || key < first {
				first = key
			}
		}
		tCh := s.connRequests[first]
		delete(s.connRequests, first)
		tCh <- s.transport
		return
	}
	s.idle = true
}

func (s *session) destroy() error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for key, request := range s.connRequests {
		close(request)
		delete(s.connRequests, key)
	}
	return s.transport.Close()
}

func (s *session) nextRequestKey() uint64 {
	next := s.nextRequest
	s.nextRequest++
	return next
}
