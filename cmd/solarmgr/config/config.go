package config

import (
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"

	"github.com/antoine510/solar-mgr/pkg/collector"
	"github.com/antoine510/solar-mgr/pkg/host"
	"github.com/antoine510/solar-mgr/pkg/module"
	"github.com/antoine510/solar-mgr/pkg/protocol/solarbus"
	"github.com/antoine510/solar-mgr/pkg/storage"
	"github.com/antoine510/solar-mgr/pkg/telemetry"
)

type Config struct {
	Link          *solarbus.Link
	Registry      *module.Registry
	Collector     *collector.Collector
	Sink          telemetry.Sink
	HostMgr       *host.Manager
	Store         storage.Storage
	Metrics       *prometheus.Registry
	ActionLimiter *rate.Limiter
	CertFile      string
	KeyFile       string
}

// Close releases the sinks then the bus.
func (c *Config) Close() error {
	var errs []error
	if c.Sink != nil {
		if err := c.Sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Link != nil {
		if err := c.Link.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	klog.V(1).InfoS("Released bus and sinks", "errors", len(errs))
	return utilerrors.NewAggregate(errs)
}
