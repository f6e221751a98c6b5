package collector

import "time"

const (
	DefaultPeriod        = time.Minute
	DefaultSolarBucket   = "Solaire"
	DefaultBatteryBucket = "Batterie"

	// CurrentsMeasurement carries one field per current sensor, in amps.
	CurrentsMeasurement = "Currents"
	mppMeasurementFmt   = "MPPT%d"
)
