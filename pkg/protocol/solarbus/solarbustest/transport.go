// Package solarbustest provides an in-memory bus with simulated modules.
package solarbustest

import (
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/antoine510/solar-mgr/pkg/protocol/solarbus"
	solarbusruntime "github.com/antoine510/solar-mgr/pkg/protocol/solarbus/runtime"
)

// Reply is what the bus returns to the next read.
type Reply struct {
	// Data is returned as is. nil means the module stays silent.
	Data []byte
	// Err, when set, is returned by the read instead of Data.
	Err error
	// Delay is line time spent before Data is available. A Delay beyond the
	// read timeout times out like a real port.
	Delay time.Duration
}

// Answer is a well formed reply, with its CRC byte when crc is set.
func Answer(data []byte, crc bool) Reply {
	out := append([]byte(nil), data...)
	if crc {
		out = solarbus.AppendCRC(out)
	}
	return Reply{Data: out}
}

// Corrupted is a reply whose CRC byte does not match data.
func Corrupted(data []byte) Reply {
	out := solarbus.AppendCRC(append([]byte(nil), data...))
	out[len(out)-1] ^= 0xff
	return Reply{Data: out}
}

func Silence() Reply {
	return Reply{}
}

// Module simulates one device on the bus.
type Module struct {
	Address byte
	CRC     bool
	// BaudRates the module can decode. Empty means every rate.
	BaudRates []int
	// Handle returns the result bytes for a command, or nil to stay silent.
	// The online command is answered automatically when Handle is nil.
	Handle func(command byte, params []byte) []byte
	// Latency delays every answer.
	Latency time.Duration
}

func (m *Module) accepts(rate int) bool {
	if len(m.BaudRates) == 0 {
		return true
	}
	for _, r := range m.BaudRates {
		if r == rate {
			return true
		}
	}
	return false
}

// Op is one call made on the transport.
type Op struct {
	Kind     string // "baud", "write", "read" or "flush"
	BaudRate int
	Data     []byte
	At       time.Time
}

// Transport is a solarbus.Transport backed by scripted replies and simulated modules.
// Reads that get no data wait for the full timeout on Clock.
type Transport struct {
	Clock clock.Clock

	mu       sync.Mutex
	baudRate int
	script   []Reply
	modules  map[byte]*Module
	pending  *Reply
	ops      []Op
	closed   bool
	failBaud error
}

var _ solarbus.Transport = (*Transport)(nil)

func NewTransport(c clock.Clock, baudRate int) *Transport {
	return &Transport{
		Clock:    c,
		baudRate: baudRate,
		modules:  make(map[byte]*Module),
	}
}

// Script queues replies consumed one per write, ahead of simulated modules.
func (t *Transport) Script(replies ...Reply) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.script = append(t.script, replies...)
}

func (t *Transport) AddModule(m *Module) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.modules[m.Address] = m
}

// FailBaudRate makes every following SetBaudRate return err.
func (t *Transport) FailBaudRate(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failBaud = err
}

func (t *Transport) SetBaudRate(rate int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failBaud != nil {
		return t.failBaud
	}
	t.baudRate = rate
	t.record(Op{Kind: "baud", BaudRate: rate})
	return nil
}

func (t *Transport) Write(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return solarbusruntime.ErrWrite
	}
	data := append([]byte(nil), p...)
	t.record(Op{Kind: "write", Data: data})

	var reply Reply
	if len(t.script) > 0 {
		reply, t.script = t.script[0], t.script[1:]
	} else {
		reply = t.respond(data)
	}
	t.pending = &reply
	return nil
}

func (t *Transport) respond(frame []byte) Reply {
	f, err := solarbus.DecodeFrame(frame)
	if err != nil {
		return Silence()
	}
	m, ok := t.modules[f.Address]
	if !ok || !m.accepts(t.baudRate) {
		return Silence()
	}
	var data []byte
	switch {
	case m.Handle != nil:
		data = m.Handle(f.Command, f.Payload)
	case f.Command == solarbusruntime.CommandOnline:
		data = []byte{solarbusruntime.OnlineSentinel}
	}
	if data == nil {
		return Silence()
	}
	reply := Answer(data, m.CRC)
	reply.Delay = m.Latency
	return reply
}

func (t *Transport) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	reply := t.pending
	t.pending = nil
	t.record(Op{Kind: "read"})
	t.mu.Unlock()

	if reply == nil || reply.Delay > timeout {
		t.Clock.Sleep(timeout)
		return nil, solarbusruntime.ErrReadTimeout
	}
	if reply.Delay > 0 {
		t.Clock.Sleep(reply.Delay)
	}
	switch {
	case reply.Err != nil:
		return nil, reply.Err
	case len(reply.Data) < n:
		t.Clock.Sleep(timeout - reply.Delay)
		return nil, solarbusruntime.ErrReadTimeout
	case len(reply.Data) > n:
		return nil, solarbusruntime.ErrWrongLength
	}
	return append([]byte(nil), reply.Data...), nil
}

func (t *Transport) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record(Op{Kind: "flush"})
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *Transport) record(op Op) {
	if t.Clock != nil {
		op.At = t.Clock.Now()
	}
	t.ops = append(t.ops, op)
}

func (t *Transport) Ops() []Op {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Op(nil), t.ops...)
}

// Writes returns every frame written so far.
func (t *Transport) Writes() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out [][]byte
	for _, op := range t.ops {
		if op.Kind == "write" {
			out = append(out, op.Data)
		}
	}
	return out
}

// BaudChanges returns the rates applied in order.
func (t *Transport) BaudChanges() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []int
	for _, op := range t.ops {
		if op.Kind == "baud" {
			out = append(out, op.BaudRate)
		}
	}
	return out
}

func (t *Transport) BaudRate() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.baudRate
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops = nil
	t.script = nil
	t.pending = nil
}
