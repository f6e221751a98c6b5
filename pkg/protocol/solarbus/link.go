package solarbus

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/atomic"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	solarbusruntime "github.com/antoine510/solar-mgr/pkg/protocol/solarbus/runtime"
)

type LinkOption func(*Link) error

// WithRetryBaudRates sets the baud rate cycled through on consecutive attempts.
// rates[0] must be the nominal rate.
func WithRetryBaudRates(rates []int) LinkOption {
	return func(l *Link) error {
		if len(rates) == 0 {
			return fmt.Errorf("empty retry baud rate table")
		}
		if rates[0] != l.nominal {
			return fmt.Errorf("retry baud rate table starts with %d, nominal rate is %d", rates[0], l.nominal)
		}
		for _, r := range rates {
			if r <= 0 {
				return fmt.Errorf("invalid retry baud rate %d", r)
			}
		}
		l.baudRates = append([]int(nil), rates...)
		return nil
	}
}

func WithReadTimeout(d time.Duration) LinkOption {
	return func(l *Link) error {
		if d <= 0 {
			return fmt.Errorf("invalid read timeout %v", d)
		}
		l.readTimeout = d
		return nil
	}
}

func WithClock(c clock.Clock) LinkOption {
	return func(l *Link) error {
		l.clock = c
		return nil
	}
}

func WithMetrics(m *Metrics) LinkOption {
	return func(l *Link) error {
		l.metrics = m
		return nil
	}
}

// Link serializes all exchanges on the bus. A logical call holds the bus from
// Begin to End, across every attempt and backoff.
type Link struct {
	session     *session
	nominal     int
	baudRates   []int
	readTimeout time.Duration
	clock       clock.Clock
	metrics     *Metrics
	baudRate    *atomic.Int64
}

// NewLink takes ownership of t, which must currently run at nominalBaudRate.
func NewLink(t Transport, nominalBaudRate int, opts ...LinkOption) (*Link, error) {
	l := &Link{
		session:     newSession(t),
		nominal:     nominalBaudRate,
		baudRates:   []int{nominalBaudRate},
		readTimeout: solarbusruntime.DefaultReadTimeout,
		clock:       clock.RealClock{},
		baudRate:    atomic.NewInt64(int64(nominalBaudRate)),
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	l.metrics.observeBaudRate(nominalBaudRate)
	return l, nil
}

// RetryBaudRate is the baud rate used by the given attempt number.
func (l *Link) RetryBaudRate(attempt int) int {
	if attempt < 0 {
		attempt = 0
	}
	return l.baudRates[attempt%len(l.baudRates)]
}

func (l *Link) RetryBaudRates() []int {
	return append([]int(nil), l.baudRates...)
}

// BaudRate is the rate last applied to the transport.
func (l *Link) BaudRate() int {
	return int(l.baudRate.Load())
}

func (l *Link) NominalBaudRate() int {
	return l.nominal
}

func (l *Link) Clock() clock.Clock {
	return l.clock
}

// Begin waits for the bus. ctx bounds only the wait; once granted the caller
// owns the bus until End.
func (l *Link) Begin(ctx context.Context) (*Tx, error) {
	start := l.clock.Now()
	t, err := l.session.getTransport(ctx)
	if err != nil {
		return nil, err
	}
	l.metrics.observeBusWait(l.clock.Since(start))
	return &Tx{link: l, transport: t}, nil
}

// Close releases the transport. Pending Begin calls fail with ErrSerialPortClosed.
func (l *Link) Close() error {
	return l.session.destroy()
}

// Tx is exclusive ownership of the bus.
type Tx struct {
	link      *Link
	transport Transport
	ended     bool
}

func (tx *Tx) setBaudRate(rate int) error {
	if int(tx.link.baudRate.Load()) == rate {
		return nil
	}
	if err := tx.transport.SetBaudRate(rate); err != nil {
		return err
	}
	tx.link.baudRate.Store(int64(rate))
	tx.link.metrics.observeBaudRate(rate)
	return nil
}

// RoundTrip performs one attempt: apply the attempt's baud rate, write frame, read
// expected bytes (plus one CRC byte when crc is set) and check the CRC.
// The returned bytes never include the CRC.
func (tx *Tx) RoundTrip(attempt int, frame []byte, expected int, crc bool) ([]byte, error) {
	if tx.ended {
		return nil, solarbusruntime.ErrSerialPortClosed
	}
	start := tx.link.clock.Now()
	resp, err := tx.roundTrip(attempt, frame, expected, crc)
	tx.link.metrics.observeAttempt(err, tx.link.clock.Since(start))
	return resp, err
}

func (tx *Tx) roundTrip(attempt int, frame []byte, expected int, crc bool) ([]byte, error) {
	rate := tx.link.RetryBaudRate(attempt)
	if err := tx.setBaudRate(rate); err != nil {
		return nil, err
	}
	if err := tx.transport.Flush(); err != nil {
		klog.V(4).InfoS("Failed to flush serial input", "error", err)
	}
	if err := tx.transport.Write(frame); err != nil {
		return nil, err
	}

	n := expected
	if crc {
		n++
	}
	resp, err := tx.transport.ReadExact(n, tx.link.readTimeout)
	if err != nil {
		return nil, err
	}
	if len(resp) != n {
		return nil, solarbusruntime.ErrWrongLength
	}
	if crc {
		if !VerifyCRC(resp) {
			klog.V(4).InfoS("Response failed crc8 check", "bytes", resp)
			return nil, solarbusruntime.ErrCrcMismatch
		}
		resp = resp[:n-1]
	}
	return resp, nil
}

// Write sends frame at the nominal baud rate without waiting for a reply.
func (tx *Tx) Write(frame []byte) error {
	if tx.ended {
		return solarbusruntime.ErrSerialPortClosed
	}
	if err := tx.setBaudRate(tx.link.nominal); err != nil {
		return err
	}
	return tx.transport.Write(frame)
}

// End releases the bus. It is safe to call more than once.
func (tx *Tx) End() {
	if tx.ended {
		return
	}
	tx.ended = true
	tx.link.session.releaseTransport()
}
