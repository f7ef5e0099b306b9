//go:build neuron

package registry

import (
	"accelrun/core/native"
	"accelrun/driver/neuron"
)

func init() {
	builtin[neuron.Name] = func(Options) (native.Driver, error) {
		return neuron.New(), nil
	}
}
