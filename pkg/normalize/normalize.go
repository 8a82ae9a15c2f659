// Package normalize provides z-score intensity normalization, bringing
// volumes from different timepoints or scanners onto a comparable intensity
// scale before registration.
package normalize

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"volreg/pkg/volume"
)

// ZScore returns a copy of the volume with intensities shifted to mean 0
// and scaled to standard deviation 1, along with the mean and standard
// deviation of the input for reporting. The population standard deviation
// (variance over n) is used. A constant volume has no meaningful z-score
// and returns an error.
func ZScore(v *volume.Volume) (*volume.Volume, float64, float64, error) {
	if len(v.Data) == 0 {
		return nil, 0, 0, fmt.Errorf("normalize: empty volume")
	}
	mean := stat.Mean(v.Data, nil)
	std := stat.PopStdDev(v.Data, nil)
	if std == 0 {
		return nil, mean, 0, fmt.Errorf("normalize: volume intensity is constant (mean %g)", mean)
	}

	out := v.Clone()
	for i, x := range out.Data {
		out.Data[i] = (x - mean) / std
	}
	return out, mean, std, nil
}
