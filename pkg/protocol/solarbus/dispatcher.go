package solarbus

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	solarbusruntime "github.com/antoine510/solar-mgr/pkg/protocol/solarbus/runtime"
)

// Call is one logical request to a module.
type Call struct {
	Address byte
	Command byte
	Params  []interface{}
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	CRC        bool
}

type DispatcherOption func(*Dispatcher)

// WithRetryBackoff sets the pause between two attempts of the same call.
func WithRetryBackoff(d time.Duration) DispatcherOption {
	return func(d2 *Dispatcher) {
		if d >= 0 {
			d2.backoff = d
		}
	}
}

// Dispatcher turns module calls into frames on a Link and applies the retry policy.
type Dispatcher struct {
	link    *Link
	backoff time.Duration
}

func NewDispatcher(link *Link, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		link:    link,
		backoff: solarbusruntime.DefaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Link() *Link {
	return d.link
}

// SendWithResponse sends call and decodes the reply into result, a pointer to a
// fixed-size value. The bus is held for every attempt of the call. Attempt k runs
// at the link's k-th retry baud rate; timeouts, wrong lengths and CRC mismatches are
// retried after a backoff until MaxRetries+1 attempts failed, which yields ErrNoResponse.
func (d *Dispatcher) SendWithResponse(ctx context.Context, call Call, result interface{}) error {
	size := ResultSize(result)
	limit := solarbusruntime.MaxResponseSize
	if call.CRC {
		limit--
	}
	if size <= 0 || size > limit {
		return errors.Wrapf(solarbusruntime.ErrResultType, "%T", result)
	}
	payload, err := AppendParams(nil, call.Params...)
	if err != nil {
		return err
	}
	frame := EncodeFrame(call.Address, call.Command, payload)
	retries := call.MaxRetries
	if retries < 0 {
		retries = 0
	}

	tx, err := d.link.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.End()

	err = d.attempt(tx, &call, retries, frame, size, result)
	d.link.metrics.observeCall(err)
	return err
}

func (d *Dispatcher) attempt(tx *Tx, call *Call, retries int, frame []byte, size int, result interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		resp, err := tx.RoundTrip(attempt, frame, size, call.CRC)
		if err == nil {
			if attempt > 0 {
				klog.V(4).InfoS("Module answered after retry", "address", call.Address, "command", call.Command,
					"attempt", attempt, "baudRate", d.link.RetryBaudRate(attempt))
			}
			return DecodeResult(resp, result)
		}
		if !solarbusruntime.IsTransient(err) {
			return err
		}
		lastErr = err
		klog.V(4).InfoS("Module attempt failed", "address", call.Address, "command", call.Command,
			"attempt", attempt, "baudRate", d.link.RetryBaudRate(attempt), "error", err)
		if attempt < retries {
			d.link.clock.Sleep(d.backoff)
		}
	}
	return errors.Wrapf(solarbusruntime.ErrNoResponse, "address %#02x command %d after %d attempts, last error %v",
		call.Address, call.Command, retries+1, lastErr)
}

// Send writes a request at the nominal baud rate and does not wait for a reply.
func (d *Dispatcher) Send(ctx context.Context, address, command byte, params ...interface{}) error {
	payload, err := AppendParams(nil, params...)
	if err != nil {
		return err
	}
	tx, err := d.link.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.End()
	klog.V(5).InfoS("Sending module command", "address", address, "command", command)
	return tx.Write(EncodeFrame(address, command, payload))
}
