package flow

import (
	"gocv.io/x/gocv"
)

// FarnebackConfig holds the polynomial-expansion parameters. Zero values
// select the defaults noted on each field.
type FarnebackConfig struct {
	PyrScale   float64 // 0.5
	Levels     int     // 3
	WinSize    int     // 15
	Iterations int     // 3
	PolyN      int     // 5
	PolySigma  float64 // 1.2
}

type farneback struct {
	cfg FarnebackConfig
}

// NewFarneback returns the classical dense Farneback estimator.
func NewFarneback(cfg FarnebackConfig) Estimator {
	if cfg.PyrScale <= 0 || cfg.PyrScale >= 1 {
		cfg.PyrScale = 0.5
	}
	if cfg.Levels <= 0 {
		cfg.Levels = 3
	}
	if cfg.WinSize <= 0 {
		cfg.WinSize = 15
	}
	if cfg.Iterations <= 0 {
		cfg.Iterations = 3
	}
	if cfg.PolyN <= 0 {
		cfg.PolyN = 5
	}
	if cfg.PolySigma <= 0 {
		cfg.PolySigma = 1.2
	}
	return &farneback{cfg: cfg}
}

func (f *farneback) Name() string { return BackendFarneback }

func (f *farneback) Compute(prev, next gocv.Mat) (*Field, error) {
	if err := checkInputs(prev, next); err != nil {
		return nil, err
	}

	out := gocv.NewMat()
	defer out.Close()

	c := f.cfg
	gocv.CalcOpticalFlowFarneback(prev, next, &out, c.PyrScale, c.Levels, c.WinSize, c.Iterations, c.PolyN, c.PolySigma, 0)

	return FieldFromMat(out)
}
