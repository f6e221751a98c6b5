package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

type PublishData struct {
	Payload Payload `json:"payload"`
}

type Payload struct {
	Data []TimeSeriesData `json:"data"`
}

type TimeSeriesData struct {
	Timestamp string      `json:"timestamp"`
	Bucket    string      `json:"bucket,omitempty"`
	Values    []PointData `json:"values"`
}

type PointData struct {
	DataPointId string      `json:"dataPointId"`
	Value       interface{} `json:"value"`
}

type MqttOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Timeout  time.Duration
}

// NewMqttClient connects to the broker and keeps reconnecting in the background.
func NewMqttClient(o MqttOptions) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetUsername(o.Username).
		SetPassword(o.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(o.Timeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			klog.V(1).InfoS("Lost MQTT connection", "broker", o.Broker, "error", err)
		})
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(o.Timeout) {
		return nil, fmt.Errorf("connect to mqtt broker %s: timed out after %v", o.Broker, o.Timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", o.Broker, err)
	}
	klog.V(1).InfoS("Connected to MQTT broker", "broker", o.Broker, "clientId", o.ClientID)
	return client, nil
}

// MqttSink publishes each measurement on data/<gateway>/v1/<measurement> with qos 1.
type MqttSink struct {
	client    mqtt.Client
	gatewayID string
	timeout   time.Duration
}

var _ Sink = (*MqttSink)(nil)

func NewMqttSink(client mqtt.Client, gatewayID string, timeout time.Duration) *MqttSink {
	return &MqttSink{client: client, gatewayID: gatewayID, timeout: timeout}
}

func (s *MqttSink) Topic(measurement string) string {
	return fmt.Sprintf("data/%s/v1/%s", s.gatewayID, measurement)
}

func (s *MqttSink) Write(_ context.Context, measurements ...Measurement) error {
	var errs []error
	for _, m := range measurements {
		if len(m.Fields) == 0 {
			continue
		}
		pds := make([]PointData, 0, len(m.Fields))
		for k, v := range m.Fields {
			pds = append(pds, PointData{DataPointId: k, Value: v})
		}
		sort.Slice(pds, func(i, j int) bool { return pds[i].DataPointId < pds[j].DataPointId })
		publishData := PublishData{Payload: Payload{Data: []TimeSeriesData{{
			Timestamp: m.Time.UTC().Format(timestampLayout),
			Bucket:    m.Bucket,
			Values:    pds,
		}}}}

		marshal, err := json.Marshal(publishData)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		topic := s.Topic(m.Name)
		token := s.client.Publish(topic, 1, false, marshal)
		if token.WaitTimeout(s.timeout) && token.Error() == nil {
			klog.V(5).InfoS("Succeed to publish MQTT", "topic", topic, "data", publishData)
		} else {
			klog.V(1).InfoS("Failed to publish MQTT", "topic", topic, "err", token.Error())
			errs = append(errs, fmt.Errorf("publish %s: %v", topic, token.Error()))
		}
	}
	return utilerrors.NewAggregate(errs)
}

func (s *MqttSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
