package module

import (
	"os"

	"k8s.io/klog/v2"

	"github.com/antoine510/solar-mgr/pkg/storage"
)

func calibrationKey(name string) string {
	return storage.Calibrations + "/" + name
}

// LoadCalibrations applies the calibrations saved by earlier runs over the
// configured ones.
func LoadCalibrations(r *Registry, store storage.Getter) {
	for _, s := range r.CurrentSensors() {
		var cal Calibration
		err := store.Get(calibrationKey(s.Name()), &cal)
		switch {
		case err == nil:
			s.SetCalibration(cal)
			klog.V(1).InfoS("Loaded saved calibration", "module", s.Name(), "scaleFactor", cal.ScaleFactor, "offset", cal.Offset)
		case os.IsNotExist(err):
		default:
			klog.V(2).InfoS("Failed to load saved calibration", "module", s.Name(), "err", err)
		}
	}
}

// SaveCalibration records the calibration of s so LoadCalibrations restores it.
func SaveCalibration(s *CurrentSensor, store storage.Putter) error {
	return store.Put(calibrationKey(s.Name()), s.Calibration())
}
