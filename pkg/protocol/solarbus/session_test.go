package solarbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	solarbusruntime "github.com/antoine510/solar-mgr/pkg/protocol/solarbus/runtime"
)

type nopTransport struct {
	closed bool
}

func (n *nopTransport) SetBaudRate(int) error { return nil }
func (n *nopTransport) Write([]byte) error    { return nil }
func (n *nopTransport) ReadExact(int, time.Duration) ([]byte, error) {
	return nil, solarbusruntime.ErrReadTimeout
}
func (n *nopTransport) Flush() error { return nil }
func (n *nopTransport) Close() error {
	n.closed = true
	return nil
}

func pendingRequests(s *session) int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return len(s.connRequests)
}

func TestSessionServesWaitersInOrder(t *testing.T) {
	s := newSession(&nopTransport{})
	ctx := context.Background()

	_, err := s.getTransport(ctx)
	require.NoError(t, err)

	order := make(chan int, 3)
	for i := 0; i < 3; i++ {
		i := i
		go func() {
			if _, err := s.getTransport(ctx); err == nil {
				order <- i
				s.releaseTransport()
			}
		}()
		require.Eventually(t, func() bool { return pendingRequests(s) == i+1 }, time.Second, time.Millisecond)
	}

	s.releaseTransport()
	for i := 0; i < 3; i++ {
		select {
		case got := <-order:
			assert.Equal(t, i, got)
		case <-time.After(time.Second):
			t.Fatal("waiter not served")
		}
	}
	require.Eventually(t, func() bool {
		s.mux.Lock()
		defer s.mux.Unlock()
		return s.idle
	}, time.Second, time.Millisecond)
}

func TestSessionWaitCancelled(t *testing.T) {
	s := newSession(&nopTransport{})
	_, err := s.getTransport(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.getTransport(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, pendingRequests(s))

	s.releaseTransport()
	_, err = s.getTransport(context.Background())
	assert.NoError(t, err)
}

func TestSessionDestroy(t *testing.T) {
	tr := &nopTransport{}
	s := newSession(tr)
	_, err := s.getTransport(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.getTransport(context.Background())
		errCh <- err
	}()
	require.Eventually(t, func() bool { return pendingRequests(s) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.destroy())
	assert.ErrorIs(t, <-errCh, solarbusruntime.ErrSerialPortClosed)
	assert.True(t, tr.closed)

	_, err = s.getTransport(context.Background())
	assert.ErrorIs(t, err, solarbusruntime.ErrSerialPortClosed)
	assert.NoError(t, s.destroy())
}
