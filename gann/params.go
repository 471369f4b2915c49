// Package gann fits and serves the bid-value regressor with go-deep.
package gann

import (
	"runtime"

	"github.com/mtharp/bridgebid/appconfig"
	deep "github.com/patrikeh/go-deep"
)

// adam
const (
	beta1   = 0.9
	beta2   = 0.999
	epsilon = 1e-8
)

const historyName = "history.json"

// artifactExt is the extension of marshalled networks.
const artifactExt = ".json"

// netConfig lays out Layers-1 hidden layers of Units followed by the
// linear output layer.
func netConfig(m appconfig.ModelConfig) *deep.Config {
	layout := make([]int, 0, m.Layers)
	for i := 0; i < m.Layers-1; i++ {
		layout = append(layout, m.Units)
	}
	layout = append(layout, m.OutputSize)
	return &deep.Config{
		Inputs:     m.InputSize,
		Layout:     layout,
		Activation: deep.ActivationReLU,
		Mode:       deep.ModeRegression,
		Weight:     deep.NewNormal(1.0, 0.0),
		Bias:       true,
	}
}

func workers(m appconfig.ModelConfig) int {
	if m.Workers > 0 {
		return m.Workers
	}
	return runtime.GOMAXPROCS(0)
}
