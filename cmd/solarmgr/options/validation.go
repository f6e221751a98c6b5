package options

import (
	"fmt"
	"math"
	"strconv"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/validation/field"

	solarbusruntime "github.com/antoine510/solar-mgr/pkg/protocol/solarbus/runtime"
)

func Validate(o *Options) []error {
	var errs []error
	if err := o.BaseOptions.ValidateAndApply(); err != nil {
		errs = append(errs, err)
	}
	for _, e := range o.validate() {
		errs = append(errs, e)
	}
	return errs
}

func (o *Options) validate() field.ErrorList {
	allErrs := field.ErrorList{}
	if port, err := strconv.Atoi(o.Port); err != nil || port <= 0 || port > math.MaxUint16 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("port"), o.Port, "must be a TCP port number"))
	}
	if o.Wait.Duration < 0 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("graceful-timeout"), o.Wait.Duration.String(), "must not be negative"))
	}
	if (len(o.CertFile) == 0) != (len(o.KeyFile) == 0) {
		allErrs = append(allErrs, field.Required(field.NewPath("keyFile"), "certFile and keyFile go together"))
	}
	if o.ActionRate < 0 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("actionRate"), o.ActionRate, "must not be negative"))
	}
	if o.ActionRate > 0 && o.ActionBurst <= 0 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("actionBurst"), o.ActionBurst, "must be positive when actionRate is set"))
	}
	if len(o.StorePath) == 0 {
		allErrs = append(allErrs, field.Required(field.NewPath("storePath"), ""))
	}
	allErrs = append(allErrs, validateSerial(&o.Serial, field.NewPath("serial"))...)
	allErrs = append(allErrs, validateModules(&o.Modules, field.NewPath("modules"))...)
	allErrs = append(allErrs, validateCollector(&o.Collector, field.NewPath("collector"))...)
	if len(o.Influx.URL) > 0 {
		fldPath := field.NewPath("influxdb")
		if len(o.Influx.Token) == 0 {
			allErrs = append(allErrs, field.Required(fldPath.Child("token"), fmt.Sprintf("set it or the %s environment variable", InfluxTokenEnv)))
		}
		if len(o.Influx.Org) == 0 {
			allErrs = append(allErrs, field.Required(fldPath.Child("org"), ""))
		}
	}
	if len(o.Mqtt.Broker) > 0 && o.Mqtt.Timeout.Duration <= 0 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("mqtt", "timeout"), o.Mqtt.Timeout.Duration.String(), "must be positive"))
	}
	return allErrs
}

func validateSerial(s *SerialOptions, fldPath *field.Path) field.ErrorList {
	allErrs := field.ErrorList{}
	if len(s.Device) == 0 {
		allErrs = append(allErrs, field.Required(fldPath.Child("device"), ""))
	}
	if !solarbusruntime.IsSupportedBaudRate(s.BaudRate) {
		allErrs = append(allErrs, field.NotSupported(fldPath.Child("baudRate"), s.BaudRate, supportedBaudRates()))
	}
	switch {
	case len(s.RetryBaudRates) == 0:
		allErrs = append(allErrs, field.Required(fldPath.Child("retryBaudRates"), ""))
	case s.RetryBaudRates[0] != s.BaudRate:
		allErrs = append(allErrs, field.Invalid(fldPath.Child("retryBaudRates").Index(0), s.RetryBaudRates[0], "must be the nominal baud rate"))
	}
	for i, r := range s.RetryBaudRates {
		if r <= 0 {
			allErrs = append(allErrs, field.Invalid(fldPath.Child("retryBaudRates").Index(i), r, "must be positive"))
		}
	}
	if s.ReadTimeout.Duration <= 0 {
		allErrs = append(allErrs, field.Invalid(fldPath.Child("readTimeout"), s.ReadTimeout.Duration.String(), "must be positive"))
	}
	if s.RetryBackoff.Duration < 0 {
		allErrs = append(allErrs, field.Invalid(fldPath.Child("retryBackoff"), s.RetryBackoff.Duration.String(), "must not be negative"))
	}
	return allErrs
}

func validateModules(m *ModulesOptions, fldPath *field.Path) field.ErrorList {
	allErrs := field.ErrorList{}
	names := sets.NewString()
	addresses := sets.NewInt()
	check := func(p *field.Path, name string, address int, retries *int) {
		switch {
		case len(name) == 0:
			allErrs = append(allErrs, field.Required(p.Child("name"), ""))
		case names.Has(name):
			allErrs = append(allErrs, field.Duplicate(p.Child("name"), name))
		default:
			names.Insert(name)
		}
		switch {
		case address < 0 || address > math.MaxUint8:
			allErrs = append(allErrs, field.Invalid(p.Child("address"), address, "must fit in one byte"))
		case addresses.Has(address):
			allErrs = append(allErrs, field.Duplicate(p.Child("address"), address))
		default:
			addresses.Insert(address)
		}
		if retries != nil && *retries < 0 {
			allErrs = append(allErrs, field.Invalid(p.Child("retries"), *retries, "must not be negative"))
		}
	}
	for i, s := range m.CurrentSensors {
		p := fldPath.Child("currentSensors").Index(i)
		check(p, s.Name, s.Address, s.Retries)
		if s.ScaleFactor == 0 || math.IsNaN(s.ScaleFactor) || math.IsInf(s.ScaleFactor, 0) {
			allErrs = append(allErrs, field.Invalid(p.Child("scaleFactor"), s.ScaleFactor, "must be a non-zero number"))
		}
	}
	for i, mppt := range m.MPPTs {
		check(fldPath.Child("mppts").Index(i), mppt.Name, mppt.Address, mppt.Retries)
	}
	return allErrs
}

func validateCollector(c *CollectorOptions, fldPath *field.Path) field.ErrorList {
	allErrs := field.ErrorList{}
	if c.Period.Duration <= 0 {
		allErrs = append(allErrs, field.Invalid(fldPath.Child("period"), c.Period.Duration.String(), "must be positive"))
	}
	if len(c.SolarBucket) == 0 {
		allErrs = append(allErrs, field.Required(fldPath.Child("solarBucket"), ""))
	}
	if len(c.BatteryBucket) == 0 {
		allErrs = append(allErrs, field.Required(fldPath.Child("batteryBucket"), ""))
	}
	return allErrs
}

func supportedBaudRates() []string {
	rates := sets.NewInt()
	for r := range solarbusruntime.SupportedBaudRates {
		rates.Insert(r)
	}
	out := make([]string, 0, rates.Len())
	for _, r := range rates.List() {
		out = append(out, strconv.Itoa(r))
	}
	return out
}
