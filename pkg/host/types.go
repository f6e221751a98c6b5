package host

import "time"

// GatewayMeta identifies this installation. It is created once and kept in the store.
type GatewayMeta struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
}

type ResponseModel struct {
	Gateway *GatewayMeta    `json:"gateway,omitempty"`
	Host    *HostInfo       `json:"host,omitempty"`
	Cpus    *CpuUsageInfo   `json:"cpus,omitempty"`
	Mem     *MemUsageInfo   `json:"mem,omitempty"`
	Disks   []DiskUsageInfo `json:"disks,omitempty"`
}

type HostInfo struct {
	Hostname        string `json:"hostname"`
	Uptime          uint64 `json:"uptime"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platformVersion"`
	KernelArch      string `json:"kernelArch"`
}

type CpuUsageInfo struct {
	Count       int     `json:"count"`
	UsedPercent float64 `json:"usedPercent"`
}

type MemUsageInfo struct {
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"usedPercent"`
}

type DiskUsageInfo struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"usedPercent"`
}
