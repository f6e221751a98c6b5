package module

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

var ErrModuleNotFound = errors.New("module not found")
var ErrModuleExists = errors.New("module already registered")

// Registry holds the modules of one bus, by name, in registration order.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]Device
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]Device)}
}

// Add registers d. Names and addresses are unique on a bus.
func (r *Registry) Add(d Device) error {
	info := d.Info()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[info.Name]; ok {
		return fmt.Errorf("%w: name %q", ErrModuleExists, info.Name)
	}
	for _, other := range r.devices {
		if other.Info().Address == info.Address {
			return fmt.Errorf("%w: address %#02x", ErrModuleExists, info.Address)
		}
	}
	r.devices[info.Name] = d
	r.order = append(r.order, info.Name)
	klog.V(1).InfoS("Registered module", "module", info.Name, "kind", info.Kind, "address", info.Address, "crc", info.CRC)
	return nil
}

func (r *Registry) Get(name string) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	return d, nil
}

func (r *Registry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.devices[name])
	}
	return out
}

func (r *Registry) Infos() []Info {
	devices := r.List()
	infos := make([]Info, 0, len(devices))
	for _, d := range devices {
		infos = append(infos, d.Info())
	}
	return infos
}

func (r *Registry) CurrentSensors() []*CurrentSensor {
	var out []*CurrentSensor
	for _, d := range r.List() {
		if s, ok := d.(*CurrentSensor); ok {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) MPPTs() []*MPPT {
	var out []*MPPT
	for _, d := range r.List() {
		if m, ok := d.(*MPPT); ok {
			out = append(out, m)
		}
	}
	return out
}

// CheckOnline probes every module once, in registration order, and returns the
// online state by name.
func (r *Registry) CheckOnline(ctx context.Context) map[string]bool {
	states := make(map[string]bool)
	for _, d := range r.List() {
		online := d.CheckOnline(ctx)
		states[d.Info().Name] = online
		if online {
			klog.V(1).InfoS("Module is online", "module", d.Info().Name)
		} else {
			klog.InfoS("Module is offline", "module", d.Info().Name, "address", d.Info().Address)
		}
	}
	return states
}
