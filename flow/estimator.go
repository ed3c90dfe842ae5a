package flow

import (
	"sort"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"go.viam.com/rdk/logging"
)

// Names of the available backends.
const (
	BackendSparseToDense = "sparse-to-dense"
	BackendFarneback     = "farneback"
	BackendHornSchunck   = "horn-schunck"
)

// DefaultBackend is used when no backend is configured.
const DefaultBackend = BackendSparseToDense

// ErrUnknownBackend is returned by New for names it does not know.
var ErrUnknownBackend = errors.New("unavailable flow backend")

// Estimator computes a dense displacement field from prev to next. Both
// inputs are equal-sized CV_8UC1 Mats; the field has the same size.
type Estimator interface {
	Name() string
	Compute(prev, next gocv.Mat) (*Field, error)
}

var constructors = map[string]func(logging.Logger) Estimator{
	BackendSparseToDense: func(logger logging.Logger) Estimator { return NewSparseToDense(SparseToDenseConfig{}, logger) },
	BackendFarneback:     func(logging.Logger) Estimator { return NewFarneback(FarnebackConfig{}) },
	BackendHornSchunck:   func(logging.Logger) Estimator { return NewHornSchunck(HornSchunckConfig{}) },
}

// New returns the named backend with default parameters. An empty name
// selects DefaultBackend.
func New(name string, logger logging.Logger) (Estimator, error) {
	if name == "" {
		name = DefaultBackend
	}
	c, ok := constructors[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownBackend, "%q (have %v)", name, Backends())
	}
	return c(logger), nil
}

// Backends lists the registered backend names.
func Backends() []string {
	names := make([]string, 0, len(constructors))
	for n := range constructors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func checkInputs(prev, next gocv.Mat) error {
	if prev.Empty() || next.Empty() {
		return errors.New("flow inputs must not be empty")
	}
	if prev.Rows() != next.Rows() || prev.Cols() != next.Cols() {
		return errors.Errorf("flow inputs differ in size: %dx%d vs %dx%d",
			prev.Cols(), prev.Rows(), next.Cols(), next.Rows())
	}
	if prev.Type() != gocv.MatTypeCV8UC1 || next.Type() != gocv.MatTypeCV8UC1 {
		return errors.New("flow inputs must be single-channel 8-bit")
	}
	return nil
}
