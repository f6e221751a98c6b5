package module

import (
	"context"
	"errors"
	"time"

	"go.uber.org/atomic"
	"k8s.io/klog/v2"

	"github.com/antoine510/solar-mgr/pkg/protocol/solarbus"
	solarbusruntime "github.com/antoine510/solar-mgr/pkg/protocol/solarbus/runtime"
)

type Kind string

const (
	KindCurrentSensor Kind = "currentSensor"
	KindMPPT          Kind = "mppt"
)

type Status string

const (
	StatusUnknown Status = "unknown"
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// OnlineRetries is the retry count of the online check, whatever the module class.
const OnlineRetries = 4

// Info is the static description of a module plus its last known status.
type Info struct {
	Name      string    `json:"name"`
	Kind      Kind      `json:"kind"`
	Address   byte      `json:"address"`
	CRC       bool      `json:"crc"`
	Retries   int       `json:"retries"`
	Status    Status    `json:"status"`
	LastCheck time.Time `json:"lastCheck,omitempty"`
}

// Reading is a decoded measurement in display units, keyed by field name.
type Reading map[string]interface{}

// Device is what the registry, the collector and the HTTP surface see of a module.
type Device interface {
	Info() Info
	CheckOnline(ctx context.Context) bool
	Read(ctx context.Context) (Reading, error)
	Do(ctx context.Context, action Action) error
}

// Module is the part shared by every module class: an address on a bus reached
// through a Dispatcher.
type Module struct {
	name       string
	kind       Kind
	address    byte
	crc        bool
	retries    int
	dispatcher *solarbus.Dispatcher
	status     *atomic.String
	lastCheck  *atomic.Int64
}

func newModule(d *solarbus.Dispatcher, kind Kind, name string, address byte, crc bool, retries int) *Module {
	if retries < 0 {
		retries = 0
	}
	return &Module{
		name:       name,
		kind:       kind,
		address:    address,
		crc:        crc,
		retries:    retries,
		dispatcher: d,
		status:     atomic.NewString(string(StatusUnknown)),
		lastCheck:  atomic.NewInt64(0),
	}
}

func (m *Module) Name() string {
	return m.name
}

func (m *Module) Address() byte {
	return m.address
}

func (m *Module) Info() Info {
	info := Info{
		Name:    m.name,
		Kind:    m.kind,
		Address: m.address,
		CRC:     m.crc,
		Retries: m.retries,
		Status:  Status(m.status.Load()),
	}
	if ns := m.lastCheck.Load(); ns != 0 {
		info.LastCheck = time.Unix(0, ns).UTC()
	}
	return info
}

// CheckOnline asks the module for the online sentinel. Every failure reads as offline.
func (m *Module) CheckOnline(ctx context.Context) bool {
	var sentinel uint8
	err := m.request(ctx, solarbusruntime.CommandOnline, OnlineRetries, &sentinel)
	online := err == nil && sentinel == solarbusruntime.OnlineSentinel
	if err != nil {
		klog.V(2).InfoS("Module online check failed", "module", m.name, "address", m.address, "error", err)
	} else if !online {
		klog.V(2).InfoS("Module answered online check with wrong sentinel", "module", m.name, "address", m.address, "value", sentinel)
	}
	m.setOnline(online)
	return online
}

func (m *Module) setOnline(online bool) {
	if online {
		m.status.Store(string(StatusOnline))
	} else {
		m.status.Store(string(StatusOffline))
	}
	m.lastCheck.Store(m.dispatcher.Link().Clock().Now().UnixNano())
}

// observe keeps the online status in line with regular traffic.
func (m *Module) observe(err error) {
	switch {
	case err == nil:
		m.setOnline(true)
	case errors.Is(err, solarbusruntime.ErrNoResponse):
		m.setOnline(false)
	}
}

func (m *Module) request(ctx context.Context, command byte, retries int, result interface{}, params ...interface{}) error {
	return m.dispatcher.SendWithResponse(ctx, solarbus.Call{
		Address:    m.address,
		Command:    command,
		Params:     params,
		MaxRetries: retries,
		CRC:        m.crc,
	}, result)
}

func (m *Module) send(ctx context.Context, command byte, params ...interface{}) error {
	return m.dispatcher.Send(ctx, m.address, command, params...)
}
