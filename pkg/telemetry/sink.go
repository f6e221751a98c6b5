package telemetry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"
)

// Measurement is one timestamped set of fields bound for a bucket.
type Measurement struct {
	Name   string                 `json:"name"`
	Bucket string                 `json:"bucket"`
	Tags   map[string]string      `json:"tags,omitempty"`
	Fields map[string]interface{} `json:"fields"`
	Time   time.Time              `json:"time"`
}

func (m Measurement) String() string {
	fields := make([]string, 0, len(m.Fields))
	for k, v := range m.Fields {
		fields = append(fields, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(fields)
	return fmt.Sprintf("%s/%s{%s}", m.Bucket, m.Name, strings.Join(fields, ","))
}

// Sink transmits measurements. Implementations timestamp nothing themselves.
type Sink interface {
	Write(ctx context.Context, measurements ...Measurement) error
	Close() error
}

// Fanout writes to every sink and reports the failures together.
type Fanout []Sink

var _ Sink = Fanout(nil)

func (f Fanout) Write(ctx context.Context, measurements ...Measurement) error {
	var errs []error
	for _, s := range f {
		if err := s.Write(ctx, measurements...); err != nil {
			errs = append(errs, err)
		}
	}
	return utilerrors.NewAggregate(errs)
}

func (f Fanout) Close() error {
	var errs []error
	for i := len(f); i > 0; i-- {
		if err := f[i-1].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return utilerrors.NewAggregate(errs)
}

// LogSink only logs, for runs without a database.
type LogSink struct{}

func (LogSink) Write(_ context.Context, measurements ...Measurement) error {
	for _, m := range measurements {
		klog.V(1).InfoS("Measurement", "bucket", m.Bucket, "name", m.Name, "fields", m.Fields, "time", m.Time)
	}
	return nil
}

func (LogSink) Close() error {
	return nil
}
