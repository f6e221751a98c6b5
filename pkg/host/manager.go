package host

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	gopsutilhost "github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/antoine510/solar-mgr/pkg/storage"
	"github.com/antoine510/solar-mgr/pkg/utils/uuidutil"
)

const gatewayMetaKey = storage.Gateway + "/meta"

type Option func(*Manager)

func WithDiskPaths(paths ...string) Option {
	return func(m *Manager) {
		m.diskPaths = paths
	}
}

func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

type Manager struct {
	gatewayMeta *GatewayMeta
	store       storage.Storage
	diskPaths   []string
	clock       clock.Clock
}

func NewHostManager(store storage.Storage, opts ...Option) *Manager {
	m := &Manager{
		gatewayMeta: &GatewayMeta{},
		store:       store,
		diskPaths:   []string{"/"},
		clock:       clock.RealClock{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init loads the gateway identity, creating and saving one on first start.
func (m *Manager) Init(name string) {
	err := m.store.Get(gatewayMetaKey, m.gatewayMeta)
	if err == nil {
		klog.V(3).InfoS("Loaded gateway information", "gatewayId", m.gatewayMeta.ID)
		return
	}
	if !os.IsNotExist(err) {
		klog.V(2).InfoS("Failed to load gateway information, creating a new one", "err", err)
	}
	m.gatewayMeta = &GatewayMeta{
		ID:      uuidutil.UUID(),
		Name:    name,
		Created: m.clock.Now(),
	}
	klog.V(3).InfoS("Gateway information not exist,been created automatically", "gatewayId", m.gatewayMeta.ID)
	if err := m.store.Put(gatewayMetaKey, m.gatewayMeta); err != nil {
		klog.V(2).InfoS("Failed to create gateway information", "err", err)
	}
}

func (m *Manager) GetGatewayMeta() *GatewayMeta {
	return m.gatewayMeta
}

func (m *Manager) getHostInfo(ctx context.Context) (*HostInfo, error) {
	info, err := gopsutilhost.InfoWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return &HostInfo{
		Hostname:        info.Hostname,
		Uptime:          info.Uptime,
		Platform:        info.Platform,
		PlatformVersion: info.PlatformVersion,
		KernelArch:      info.KernelArch,
	}, nil
}

func (m *Manager) getCpu(ctx context.Context) (*CpuUsageInfo, error) {
	count, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return nil, err
	}
	percent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, err
	}
	usage := &CpuUsageInfo{Count: count}
	if len(percent) > 0 {
		usage.UsedPercent = percent[0]
	}
	return usage, nil
}

func (m *Manager) getMem(ctx context.Context) (*MemUsageInfo, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return &MemUsageInfo{Total: vm.Total, Used: vm.Used, UsedPercent: vm.UsedPercent}, nil
}

func (m *Manager) getDisks(ctx context.Context) ([]DiskUsageInfo, error) {
	disks := make([]DiskUsageInfo, 0, len(m.diskPaths))
	for _, p := range m.diskPaths {
		usage, err := disk.UsageWithContext(ctx, p)
		if err != nil {
			return nil, err
		}
		disks = append(disks, DiskUsageInfo{Path: usage.Path, Total: usage.Total, Used: usage.Used, UsedPercent: usage.UsedPercent})
	}
	return disks, nil
}

// Snapshot gathers everything the host endpoint reports. Parts that cannot be
// read are left out.
func (m *Manager) Snapshot(ctx context.Context) *ResponseModel {
	rm := &ResponseModel{Gateway: m.gatewayMeta}
	var err error
	if rm.Host, err = m.getHostInfo(ctx); err != nil {
		klog.V(2).InfoS("Failed to get host information", "err", err)
	}
	if rm.Cpus, err = m.getCpu(ctx); err != nil {
		klog.V(2).InfoS("Failed to get cpu usage", "err", err)
	}
	if rm.Mem, err = m.getMem(ctx); err != nil {
		klog.V(2).InfoS("Failed to get memory usage", "err", err)
	}
	if rm.Disks, err = m.getDisks(ctx); err != nil {
		klog.V(2).InfoS("Failed to get disk usage", "err", err)
	}
	return rm
}
