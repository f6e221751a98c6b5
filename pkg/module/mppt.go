package module

import (
	"context"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/antoine510/solar-mgr/pkg/protocol/solarbus"
)

const (
	CommandReadAll        byte = 1
	CommandSetMppManualDv byte = 2
	CommandSetMppAuto     byte = 3
	CommandEnableOutput   byte = 4
	CommandDisableOutput  byte = 5
)

const DefaultMPPTDataRetries = 1

// MPPTData is the READ_ALL response, four little-endian uint16 in this order.
type MPPTData struct {
	InputCentivolts   uint16
	OutputDecivolts   uint16
	OutputCentiamps   uint16
	OutputEnergyJoule uint16
}

func (d MPPTData) InputVoltage() float64 {
	return float64(d.InputCentivolts) / 100
}

func (d MPPTData) OutputVoltage() float64 {
	return float64(d.OutputDecivolts) / 10
}

func (d MPPTData) OutputCurrent() float64 {
	return float64(d.OutputCentiamps) / 100
}

// AveragePower is the output energy spread over the window it was accumulated in.
func (d MPPTData) AveragePower(window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	return float64(d.OutputEnergyJoule) / window.Seconds()
}

// MPPT is a solar charge controller.
type MPPT struct {
	*Module
	// EnergyWindow is the accumulation period of OutputEnergyJoule.
	EnergyWindow time.Duration
}

var _ Device = (*MPPT)(nil)

func NewMPPT(d *solarbus.Dispatcher, name string, address byte, crc bool, retries int) *MPPT {
	return &MPPT{
		Module:       newModule(d, KindMPPT, name, address, crc, retries),
		EnergyWindow: time.Minute,
	}
}

func (m *MPPT) GetData(ctx context.Context) (MPPTData, error) {
	var data MPPTData
	err := m.request(ctx, CommandReadAll, m.retries, &data)
	m.observe(err)
	return data, err
}

// SetManualPowerPoint pins the tracking voltage, in decivolts.
func (m *MPPT) SetManualPowerPoint(ctx context.Context, decivolts uint16) error {
	return m.send(ctx, CommandSetMppManualDv, decivolts)
}

func (m *MPPT) SetAutomaticPowerPoint(ctx context.Context) error {
	return m.send(ctx, CommandSetMppAuto)
}

func (m *MPPT) EnableOutput(ctx context.Context) error {
	return m.send(ctx, CommandEnableOutput)
}

func (m *MPPT) DisableOutput(ctx context.Context) error {
	return m.send(ctx, CommandDisableOutput)
}

func (m *MPPT) Read(ctx context.Context) (Reading, error) {
	data, err := m.GetData(ctx)
	if err != nil {
		return nil, err
	}
	return Reading{
		"vin":   data.InputVoltage(),
		"vout":  data.OutputVoltage(),
		"iout":  data.OutputCurrent(),
		"power": data.AveragePower(m.EnergyWindow),
	}, nil
}

func (m *MPPT) Do(ctx context.Context, action Action) error {
	switch action.Name {
	case ActionEnableOutput:
		return m.EnableOutput(ctx)
	case ActionDisableOutput:
		return m.DisableOutput(ctx)
	case ActionAutomaticPowerPoint:
		return m.SetAutomaticPowerPoint(ctx)
	case ActionManualPowerPoint:
		dv, err := voltsToDecivolts(action.Value)
		if err != nil {
			return pkgerrors.Wrapf(err, "%v V", action.Value)
		}
		return m.SetManualPowerPoint(ctx, dv)
	default:
		return pkgerrors.Wrapf(ErrUnsupportedAction, "%s on mppt", action.Name)
	}
}
