package options

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"

	"github.com/antoine510/solar-mgr/cmd/solarmgr/config"
	"github.com/antoine510/solar-mgr/pkg/collector"
	"github.com/antoine510/solar-mgr/pkg/host"
	"github.com/antoine510/solar-mgr/pkg/module"
	"github.com/antoine510/solar-mgr/pkg/protocol/solarbus"
	"github.com/antoine510/solar-mgr/pkg/storage"
	"github.com/antoine510/solar-mgr/pkg/telemetry"
)

// GatewayName names this installation in the stored gateway identity.
const GatewayName = "solar-mgr"

// Config opens the serial bus and assembles everything around it.
func (o *Options) Config() (*config.Config, error) {
	t, err := solarbus.OpenSerial(o.Serial.Device, o.Serial.BaudRate)
	if err != nil {
		return nil, err
	}
	c, err := o.ConfigWithTransport(t)
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	return c, nil
}

// ConfigWithTransport assembles the link, modules, sinks and collector on an
// already open transport.
func (o *Options) ConfigWithTransport(t solarbus.Transport) (*config.Config, error) {
	c := &config.Config{
		CertFile: o.CertFile,
		KeyFile:  o.KeyFile,
	}

	store, err := storage.NewFsClient(o.StorePath, storage.Gateway, storage.Calibrations)
	if err != nil {
		return nil, err
	}
	c.Store = store
	c.HostMgr = host.NewHostManager(store, host.WithDiskPaths("/", o.StorePath))
	c.HostMgr.Init(GatewayName)

	c.Metrics = prometheus.NewRegistry()
	c.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	link, err := solarbus.NewLink(t, o.Serial.BaudRate,
		solarbus.WithRetryBaudRates(o.Serial.RetryBaudRates),
		solarbus.WithReadTimeout(o.Serial.ReadTimeout.Duration),
		solarbus.WithMetrics(solarbus.NewMetrics(c.Metrics)))
	if err != nil {
		return nil, err
	}
	c.Link = link
	dispatcher := solarbus.NewDispatcher(link, solarbus.WithRetryBackoff(o.Serial.RetryBackoff.Duration))

	c.Registry, err = o.registry(dispatcher)
	if err != nil {
		return nil, err
	}
	module.LoadCalibrations(c.Registry, store)

	c.Sink, err = o.sink(c.HostMgr.GetGatewayMeta().ID)
	if err != nil {
		return nil, err
	}

	if o.ActionRate > 0 {
		c.ActionLimiter = rate.NewLimiter(rate.Limit(o.ActionRate), o.ActionBurst)
	}

	c.Collector = collector.NewCollector(c.Registry, c.Sink,
		collector.WithPeriod(o.Collector.Period.Duration),
		collector.WithBuckets(o.Collector.SolarBucket, o.Collector.BatteryBucket))
	return c, nil
}

func (o *Options) registry(d *solarbus.Dispatcher) (*module.Registry, error) {
	r := module.NewRegistry()
	for _, s := range o.Modules.CurrentSensors {
		sensor := module.NewCurrentSensor(d, s.Name, byte(s.Address), s.CRC, s.CurrentSensorRetries(),
			module.Calibration{ScaleFactor: s.ScaleFactor, Offset: s.Offset})
		if err := r.Add(sensor); err != nil {
			return nil, err
		}
	}
	for _, m := range o.Modules.MPPTs {
		mppt := module.NewMPPT(d, m.Name, byte(m.Address), m.CRC, m.DataRetries())
		mppt.EnergyWindow = o.Collector.Period.Duration
		if err := r.Add(mppt); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// sink writes to every configured database, or only to the log when none is.
func (o *Options) sink(gatewayID string) (telemetry.Sink, error) {
	var sinks telemetry.Fanout
	if len(o.Influx.URL) > 0 {
		sinks = append(sinks, telemetry.NewInfluxSink(o.Influx.URL, o.Influx.Token, o.Influx.Org))
		klog.V(1).InfoS("Writing measurements to InfluxDB", "url", o.Influx.URL, "org", o.Influx.Org)
	}
	if len(o.Mqtt.Broker) > 0 {
		clientID := o.Mqtt.ClientID
		if len(clientID) == 0 {
			clientID = gatewayID
		}
		client, err := telemetry.NewMqttClient(telemetry.MqttOptions{
			Broker:   o.Mqtt.Broker,
			ClientID: clientID,
			Username: o.Mqtt.Username,
			Password: o.Mqtt.Password,
			Timeout:  o.Mqtt.Timeout.Duration,
		})
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, telemetry.NewMqttSink(client, gatewayID, o.Mqtt.Timeout.Duration))
	}
	if len(sinks) == 0 {
		klog.V(1).InfoS("No database configured, measurements are only logged")
		return telemetry.LogSink{}, nil
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}
