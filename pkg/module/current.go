package module

import (
	"context"
	"math"
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/antoine510/solar-mgr/pkg/protocol/solarbus"
	solarbusruntime "github.com/antoine510/solar-mgr/pkg/protocol/solarbus/runtime"
)

const CommandReadCurrent byte = 1

const (
	// MaxCurrentMilliamps bounds a plausible calibrated reading.
	MaxCurrentMilliamps = 100000
	DefaultRetries      = 4
)

// Calibration maps the raw sensor value to milliamps: raw*ScaleFactor + Offset.
type Calibration struct {
	ScaleFactor float64 `json:"scaleFactor"`
	Offset      int     `json:"offset"`
}

type CurrentSensor struct {
	*Module

	mu          sync.RWMutex
	calibration Calibration
}

var _ Device = (*CurrentSensor)(nil)

func NewCurrentSensor(d *solarbus.Dispatcher, name string, address byte, crc bool, retries int, cal Calibration) *CurrentSensor {
	return &CurrentSensor{
		Module:      newModule(d, KindCurrentSensor, name, address, crc, retries),
		calibration: cal,
	}
}

func (s *CurrentSensor) Calibration() Calibration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calibration
}

func (s *CurrentSensor) SetCalibration(cal Calibration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calibration = cal
}

// GetCurrent returns the calibrated current in mA, truncated toward zero. A
// calibrated value beyond ±MaxCurrentMilliamps, fraction included, fails with
// ErrInvalidValue and is not retried.
func (s *CurrentSensor) GetCurrent(ctx context.Context) (int, error) {
	var raw int32
	err := s.request(ctx, CommandReadCurrent, s.retries, &raw)
	s.observe(err)
	if err != nil {
		return 0, err
	}
	cal := s.Calibration()
	current := float64(raw)*cal.ScaleFactor + float64(cal.Offset)
	if math.IsNaN(current) || math.Abs(current) > MaxCurrentMilliamps {
		return 0, pkgerrors.Wrapf(solarbusruntime.ErrInvalidValue, "current %g mA from raw %d", current, raw)
	}
	return int(current), nil
}

func (s *CurrentSensor) Read(ctx context.Context) (Reading, error) {
	current, err := s.GetCurrent(ctx)
	if err != nil {
		return nil, err
	}
	return Reading{"current_mA": current}, nil
}

func (s *CurrentSensor) Do(ctx context.Context, action Action) error {
	return pkgerrors.Wrapf(ErrUnsupportedAction, "%s on current sensor", action.Name)
}
