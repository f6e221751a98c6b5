package telemetry

import (
	"context"
	"sync"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	pkgerrors "github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// InfluxSink writes measurements synchronously to an InfluxDB v2 server.
type InfluxSink struct {
	client influxdb2.Client
	org    string

	mu      sync.Mutex
	writers map[string]api.WriteAPIBlocking
}

var _ Sink = (*InfluxSink)(nil)

func NewInfluxSink(url, token, org string) *InfluxSink {
	return &InfluxSink{
		client:  influxdb2.NewClient(url, token),
		org:     org,
		writers: make(map[string]api.WriteAPIBlocking),
	}
}

func (s *InfluxSink) writer(bucket string) api.WriteAPIBlocking {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.writers[bucket]
	if !ok {
		w = s.client.WriteAPIBlocking(s.org, bucket)
		s.writers[bucket] = w
	}
	return w
}

// Write groups measurements per bucket, one request per bucket.
func (s *InfluxSink) Write(ctx context.Context, measurements ...Measurement) error {
	byBucket := make(map[string][]*write.Point)
	var order []string
	for _, m := range measurements {
		if len(m.Fields) == 0 {
			continue
		}
		if _, ok := byBucket[m.Bucket]; !ok {
			order = append(order, m.Bucket)
		}
		byBucket[m.Bucket] = append(byBucket[m.Bucket], influxdb2.NewPoint(m.Name, m.Tags, m.Fields, m.Time))
	}
	for _, bucket := range order {
		if err := s.writer(bucket).WritePoint(ctx, byBucket[bucket]...); err != nil {
			klog.V(2).InfoS("Failed to write points to influxdb", "bucket", bucket, "error", err)
			return pkgerrors.Wrapf(err, "write bucket %s", bucket)
		}
		klog.V(4).InfoS("Succeed to write points to influxdb", "bucket", bucket, "points", len(byBucket[bucket]))
	}
	return nil
}

// Ping reports whether the server answers.
func (s *InfluxSink) Ping(ctx context.Context) (bool, error) {
	return s.client.Ping(ctx)
}

func (s *InfluxSink) Close() error {
	s.client.Close()
	return nil
}
