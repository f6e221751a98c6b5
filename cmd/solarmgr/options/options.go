package options

import (
	"os"
	"time"

	"github.com/spf13/pflag"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/antoine510/solar-mgr/pkg/collector"
	baseoptions "github.com/antoine510/solar-mgr/pkg/generic/options"
	"github.com/antoine510/solar-mgr/pkg/module"
	solarbusruntime "github.com/antoine510/solar-mgr/pkg/protocol/solarbus/runtime"
	"github.com/antoine510/solar-mgr/pkg/storage"
)

// InfluxTokenEnv names the environment variable the InfluxDB token defaults to.
const InfluxTokenEnv = "INFLUXDB_TOKEN"

type Options struct {
	Port     string          `json:"port"`
	Wait     metav1.Duration `json:"graceful-timeout"`
	CertFile string          `json:"certFile,omitempty"`
	KeyFile  string          `json:"keyFile,omitempty"`
	// ActionRate is the number of module actions per second let through to the bus.
	ActionRate  float64 `json:"actionRate"`
	ActionBurst int     `json:"actionBurst"`
	StorePath   string  `json:"storePath"`

	Serial    SerialOptions    `json:"serial"`
	Modules   ModulesOptions   `json:"modules"`
	Collector CollectorOptions `json:"collector"`
	Influx    InfluxOptions    `json:"influxdb"`
	Mqtt      MqttOptions      `json:"mqtt"`
	baseoptions.BaseOptions
}

type SerialOptions struct {
	Device         string          `json:"device"`
	BaudRate       int             `json:"baudRate"`
	RetryBaudRates []int           `json:"retryBaudRates"`
	ReadTimeout    metav1.Duration `json:"readTimeout"`
	RetryBackoff   metav1.Duration `json:"retryBackoff"`
}

type ModulesOptions struct {
	CurrentSensors []CurrentSensorOptions `json:"currentSensors"`
	MPPTs          []MPPTOptions          `json:"mppts"`
}

type CurrentSensorOptions struct {
	Name        string  `json:"name"`
	Address     int     `json:"address"`
	CRC         bool    `json:"crc,omitempty"`
	Retries     *int    `json:"retries,omitempty"`
	ScaleFactor float64 `json:"scaleFactor"`
	Offset      int     `json:"offset"`
}

type MPPTOptions struct {
	Name    string `json:"name"`
	Address int    `json:"address"`
	CRC     bool   `json:"crc,omitempty"`
	Retries *int   `json:"retries,omitempty"`
}

type CollectorOptions struct {
	Period        metav1.Duration `json:"period"`
	SolarBucket   string          `json:"solarBucket"`
	BatteryBucket string          `json:"batteryBucket"`
}

// InfluxOptions configures the InfluxDB sink. An empty URL disables it.
type InfluxOptions struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
	Org   string `json:"org"`
}

// MqttOptions configures the MQTT sink. An empty broker disables it.
type MqttOptions struct {
	Broker   string          `json:"broker,omitempty"`
	ClientID string          `json:"clientId,omitempty"`
	Username string          `json:"username,omitempty"`
	Password string          `json:"password,omitempty"`
	Timeout  metav1.Duration `json:"timeout"`
}

const (
	_defaultPort        = "32200"
	_defaultWait        = 15 * time.Second
	_defaultActionRate  = 2
	_defaultActionBurst = 4
	_defaultInfluxURL   = "http://127.0.0.1:8086"
	_defaultInfluxOrg   = "Microtonome"
	_defaultMqttTimeout = 5 * time.Second
)

func NewDefaultOptions() *Options {
	return &Options{
		Port:        _defaultPort,
		Wait:        metav1.Duration{Duration: _defaultWait},
		ActionRate:  _defaultActionRate,
		ActionBurst: _defaultActionBurst,
		StorePath:   storage.DefaultStorePath(),
		Serial: SerialOptions{
			Device:         solarbusruntime.DefaultDevice,
			BaudRate:       solarbusruntime.DefaultBaudRate,
			RetryBaudRates: append([]int(nil), solarbusruntime.DefaultRetryBaudRates...),
			ReadTimeout:    metav1.Duration{Duration: solarbusruntime.DefaultReadTimeout},
			RetryBackoff:   metav1.Duration{Duration: solarbusruntime.DefaultRetryBackoff},
		},
		Modules: ModulesOptions{
			CurrentSensors: []CurrentSensorOptions{
				{Name: "producers", Address: 0x65, ScaleFactor: -1, Offset: 8},
				{Name: "consumers", Address: 0x66, ScaleFactor: -1, Offset: -15},
			},
		},
		Collector: CollectorOptions{
			Period:        metav1.Duration{Duration: collector.DefaultPeriod},
			SolarBucket:   collector.DefaultSolarBucket,
			BatteryBucket: collector.DefaultBatteryBucket,
		},
		Influx: InfluxOptions{
			URL:   _defaultInfluxURL,
			Token: os.Getenv(InfluxTokenEnv),
			Org:   _defaultInfluxOrg,
		},
		Mqtt: MqttOptions{
			Timeout: metav1.Duration{Duration: _defaultMqttTimeout},
		},
		BaseOptions: baseoptions.NewDefaultBaseOptions(),
	}
}

func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&o.Port, "port", "P", o.Port, "Port exposed")
	fs.DurationVar(&o.Wait.Duration, "graceful-timeout", o.Wait.Duration, "The duration for which the server gracefully wait for existing connections to finish - e.g. 15s or 1m")
	fs.StringVar(&o.CertFile, "tls-cert-file", o.CertFile, "File containing the x509 certificate for HTTPS. Plain HTTP is served when empty.")
	fs.StringVar(&o.KeyFile, "tls-private-key-file", o.KeyFile, "File containing the x509 private key matching --tls-cert-file.")
	fs.Float64Var(&o.ActionRate, "action-rate", o.ActionRate, "Module actions per second accepted by the HTTP surface. Zero disables the limit.")
	fs.IntVar(&o.ActionBurst, "action-burst", o.ActionBurst, "Module actions accepted at once above --action-rate.")
	fs.StringVar(&o.StorePath, "store-path", o.StorePath, "Directory keeping the gateway identity and saved calibrations.")

	fs.StringVar(&o.Serial.Device, "device", o.Serial.Device, "Serial device of the module bus.")
	fs.IntVar(&o.Serial.BaudRate, "baud-rate", o.Serial.BaudRate, "Nominal baud rate of the module bus.")
	fs.IntSliceVar(&o.Serial.RetryBaudRates, "retry-baud-rates", o.Serial.RetryBaudRates, "Baud rate of each attempt of a call, starting with the nominal one.")
	fs.DurationVar(&o.Serial.ReadTimeout.Duration, "read-timeout", o.Serial.ReadTimeout.Duration, "Time a module has to answer one attempt.")
	fs.DurationVar(&o.Serial.RetryBackoff.Duration, "retry-backoff", o.Serial.RetryBackoff.Duration, "Pause between two attempts of the same call.")

	fs.DurationVar(&o.Collector.Period.Duration, "period", o.Collector.Period.Duration, "Polling period. Polls run on multiples of it.")
	fs.StringVar(&o.Collector.SolarBucket, "solar-bucket", o.Collector.SolarBucket, "Bucket receiving the MPPT measurements.")
	fs.StringVar(&o.Collector.BatteryBucket, "battery-bucket", o.Collector.BatteryBucket, "Bucket receiving the battery currents.")

	fs.StringVar(&o.Influx.URL, "influxdb-url", o.Influx.URL, "InfluxDB server URL. Empty disables InfluxDB.")
	fs.StringVar(&o.Influx.Org, "influxdb-org", o.Influx.Org, "InfluxDB organization.")
	fs.StringVar(&o.Influx.Token, "influxdb-token", o.Influx.Token, "InfluxDB token. Defaults to $"+InfluxTokenEnv+".")

	fs.StringVar(&o.Mqtt.Broker, "mqtt-broker", o.Mqtt.Broker, "MQTT broker, e.g. tcp://127.0.0.1:1883. Empty disables MQTT.")
	fs.StringVar(&o.Mqtt.ClientID, "mqtt-client-id", o.Mqtt.ClientID, "MQTT client id. Defaults to the gateway id.")
	fs.StringVar(&o.Mqtt.Username, "mqtt-username", o.Mqtt.Username, "MQTT username.")
	fs.StringVar(&o.Mqtt.Password, "mqtt-password", o.Mqtt.Password, "MQTT password.")
	fs.DurationVar(&o.Mqtt.Timeout.Duration, "mqtt-timeout", o.Mqtt.Timeout.Duration, "Time allowed to connect and to acknowledge a publish.")
}

func retriesOrDefault(retries *int, def int) int {
	if retries == nil {
		return def
	}
	return *retries
}

// CurrentSensorRetries is the retry count of a current sensor, defaulted when unset.
func (c CurrentSensorOptions) CurrentSensorRetries() int {
	return retriesOrDefault(c.Retries, module.DefaultRetries)
}

// DataRetries is the retry count of the MPPT data read, defaulted when unset.
func (m MPPTOptions) DataRetries() int {
	return retriesOrDefault(m.Retries, module.DefaultMPPTDataRetries)
}
