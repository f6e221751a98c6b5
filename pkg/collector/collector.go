package collector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/antoine510/solar-mgr/pkg/module"
	solarbusruntime "github.com/antoine510/solar-mgr/pkg/protocol/solarbus/runtime"
	"github.com/antoine510/solar-mgr/pkg/telemetry"
)

type Option func(*Collector)

func WithClock(c clock.Clock) Option {
	return func(collector *Collector) {
		collector.clock = c
	}
}

func WithPeriod(period time.Duration) Option {
	return func(collector *Collector) {
		if period > 0 {
			collector.period = period
		}
	}
}

func WithBuckets(solar, battery string) Option {
	return func(collector *Collector) {
		collector.solarBucket = solar
		collector.batteryBucket = battery
	}
}

// Status summarizes the last poll.
type Status struct {
	LastPoll     time.Time `json:"lastPoll,omitempty"`
	Measurements int       `json:"measurements"`
	Errors       []string  `json:"errors,omitempty"`
	SinkError    string    `json:"sinkError,omitempty"`
}

// Collector reads every registered module once per period and hands the
// readings to a sink.
type Collector struct {
	registry      *module.Registry
	sink          telemetry.Sink
	clock         clock.Clock
	period        time.Duration
	solarBucket   string
	batteryBucket string

	pollMu   sync.Mutex
	statusMu sync.RWMutex
	status   Status
}

func NewCollector(registry *module.Registry, sink telemetry.Sink, opts ...Option) *Collector {
	c := &Collector{
		registry:      registry,
		sink:          sink,
		clock:         clock.RealClock{},
		period:        DefaultPeriod,
		solarBucket:   DefaultSolarBucket,
		batteryBucket: DefaultBatteryBucket,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Collector) Period() time.Duration {
	return c.period
}

func (c *Collector) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	s := c.status
	s.Errors = append([]string(nil), c.status.Errors...)
	return s
}

// Probe checks once that every module answers.
func (c *Collector) Probe(ctx context.Context) map[string]bool {
	return c.registry.CheckOnline(ctx)
}

// Run probes the modules then polls on every period boundary until ctx is done.
func (c *Collector) Run(ctx context.Context) error {
	c.Probe(ctx)
	for {
		now := c.clock.Now()
		timer := c.clock.NewTimer(NextBoundary(now, c.period).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			klog.V(1).InfoS("Stopped to collect data")
			return nil
		case <-timer.C():
		}
		if _, err := c.PollOnce(ctx); err != nil {
			klog.V(2).InfoS("Failed to send measurements", "error", err)
		}
	}
}

// NextBoundary is the first multiple of period strictly after t.
func NextBoundary(t time.Time, period time.Duration) time.Time {
	return t.Truncate(period).Add(period)
}

type pollResult struct {
	sensor  string
	current int
	mppt    *telemetry.Measurement
	err     error
	module  string
}

// PollOnce reads all modules and writes what was read. A module that fails is
// left out; nothing is written when no module answered.
func (c *Collector) PollOnce(ctx context.Context) ([]telemetry.Measurement, error) {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	now := c.clock.Now()
	results := make(chan pollResult)
	sw := &sync.WaitGroup{}
	for _, s := range c.registry.CurrentSensors() {
		sw.Add(1)
		go func(s *module.CurrentSensor) {
			defer sw.Done()
			current, err := s.GetCurrent(ctx)
			results <- pollResult{module: s.Name(), sensor: s.Name(), current: current, err: err}
		}(s)
	}
	for _, m := range c.registry.MPPTs() {
		sw.Add(1)
		go func(m *module.MPPT) {
			defer sw.Done()
			data, err := m.GetData(ctx)
			if err != nil {
				results <- pollResult{module: m.Name(), err: err}
				return
			}
			results <- pollResult{module: m.Name(), mppt: &telemetry.Measurement{
				Name:   fmt.Sprintf(mppMeasurementFmt, m.Address()),
				Bucket: c.solarBucket,
				Fields: map[string]interface{}{
					"vin":   data.InputVoltage(),
					"vout":  data.OutputVoltage(),
					"iout":  data.OutputCurrent(),
					"power": data.AveragePower(c.period),
				},
				Time: now,
			}}
		}(m)
	}
	go func() {
		sw.Wait()
		close(results)
	}()

	currents := make(map[string]interface{})
	var measurements []telemetry.Measurement
	var errs []string
	for r := range results {
		switch {
		case r.err != nil:
			errs = append(errs, fmt.Sprintf("%s: %v", r.module, r.err))
			if errors.Is(r.err, solarbusruntime.ErrNoResponse) {
				klog.V(2).InfoS("Module did not answer", "module", r.module)
			} else {
				klog.ErrorS(r.err, "Failed to read module", "module", r.module)
			}
		case r.mppt != nil:
			measurements = append(measurements, *r.mppt)
		default:
			currents[r.sensor] = float64(r.current) / 1000
		}
	}
	sort.Slice(measurements, func(i, j int) bool { return measurements[i].Name < measurements[j].Name })
	if len(currents) > 0 {
		measurements = append(measurements, telemetry.Measurement{
			Name:   CurrentsMeasurement,
			Bucket: c.batteryBucket,
			Fields: currents,
			Time:   now,
		})
	}

	status := Status{LastPoll: now, Measurements: len(measurements), Errors: errs}
	var err error
	if len(measurements) > 0 {
		if err = c.sink.Write(ctx, measurements...); err != nil {
			status.SinkError = err.Error()
		}
	}
	c.statusMu.Lock()
	c.status = status
	c.statusMu.Unlock()
	klog.V(4).InfoS("Polled modules", "measurements", len(measurements), "errors", len(errs))
	return measurements, err
}
