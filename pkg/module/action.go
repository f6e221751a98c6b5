package module

import (
	"errors"
	"fmt"
	"math"
)

var ErrUnsupportedAction = errors.New("unsupported action")
var ErrActionValue = errors.New("action value out of range")

const (
	ActionEnableOutput           = "enableOutput"
	ActionDisableOutput          = "disableOutput"
	ActionAutomaticPowerPoint    = "automaticPowerPoint"
	ActionManualPowerPoint       = "manualPowerPoint"
	maxManualPowerPointDecivolts = math.MaxUint16
)

// Action is a control command addressed to one module.
// Value is in volts and only read by ActionManualPowerPoint.
type Action struct {
	Name  string  `json:"name" mapstructure:"name"`
	Value float64 `json:"value,omitempty" mapstructure:"value"`
}

func voltsToDecivolts(v float64) (uint16, error) {
	dv := math.Round(v * 10)
	if math.IsNaN(dv) || dv < 0 || dv > maxManualPowerPointDecivolts {
		return 0, ErrActionValue
	}
	return uint16(dv), nil
}

// ValidateAction checks that a module of the given kind accepts a.
func ValidateAction(kind Kind, a Action) error {
	if kind != KindMPPT {
		return fmt.Errorf("%w: %s on %s", ErrUnsupportedAction, a.Name, kind)
	}
	switch a.Name {
	case ActionEnableOutput, ActionDisableOutput, ActionAutomaticPowerPoint:
		return nil
	case ActionManualPowerPoint:
		_, err := voltsToDecivolts(a.Value)
		return err
	default:
		return fmt.Errorf("%w: %s on %s", ErrUnsupportedAction, a.Name, kind)
	}
}
