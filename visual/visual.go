// Package visual turns a pair of frames into an RGBA rendering of the
// optical flow between them: hue is direction, brightness is magnitude.
package visual

import (
	"image"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gocv.io/x/gocv"

	"go.viam.com/rdk/logging"

	"dualflow/flow"
	"dualflow/ingest"
)

// DefaultNoiseFloor is the magnitude spread, in pixels, at or below which a
// frame is treated as motionless and rendered black.
const DefaultNoiseFloor = 0.01

// ErrTooSmall is returned for frames that cannot be halved.
var ErrTooSmall = errors.New("frames must be at least 2x2")

// Mapper renders flow visualizations with a configured estimator.
type Mapper struct {
	Estimator  flow.Estimator
	NoiseFloor float64
	Logger     logging.Logger
}

// Result of one Render call. RGBA has Width*Height*4 bytes; Field is the
// estimator output at half resolution.
type Result struct {
	Width, Height int
	RGBA          []byte
	Field         *flow.Field

	MinMagnitude float64
	MaxMagnitude float64
}

// Image returns an image view over the result's pixel buffer.
func (r *Result) Image() *image.RGBA {
	return &image.RGBA{Pix: r.RGBA, Stride: 4 * r.Width, Rect: image.Rect(0, 0, r.Width, r.Height)}
}

// NewMapper returns a Mapper using est and the default noise floor.
func NewMapper(est flow.Estimator, logger logging.Logger) *Mapper {
	return &Mapper{Estimator: est, NoiseFloor: DefaultNoiseFloor, Logger: logger}
}

// Render estimates flow from prev to next at half resolution and renders it
// at full resolution.
func (m *Mapper) Render(prev, next *ingest.Frame) (*Result, error) {
	field, err := m.Flow(prev, next)
	if err != nil {
		return nil, err
	}

	size := prev.Size()
	rgba, lo, hi, err := Colorize(field, size, m.NoiseFloor)
	if err != nil {
		return nil, err
	}
	if m.Logger != nil {
		m.Logger.Debugf("%s flow %dx%d magnitude [%.3f, %.3f]", m.Estimator.Name(), field.Width, field.Height, lo, hi)
	}

	return &Result{
		Width:        size.X,
		Height:       size.Y,
		RGBA:         rgba,
		Field:        field,
		MinMagnitude: lo,
		MaxMagnitude: hi,
	}, nil
}

// Flow downsamples both frames by two and runs the estimator on them. The
// returned field is in half-resolution pixels.
func (m *Mapper) Flow(prev, next *ingest.Frame) (*flow.Field, error) {
	if m.Estimator == nil {
		return nil, errors.Wrap(flow.ErrUnknownBackend, "no estimator configured")
	}
	if err := ingest.CheckPair(prev, next); err != nil {
		return nil, err
	}
	size := prev.Size()
	if size.X < 2 || size.Y < 2 {
		return nil, errors.Wrapf(ErrTooSmall, "got %dx%d", size.X, size.Y)
	}

	smallPrev := gocv.NewMat()
	defer smallPrev.Close()
	Downsample(prev.Mat(), &smallPrev)

	smallNext := gocv.NewMat()
	defer smallNext.Close()
	Downsample(next.Mat(), &smallNext)

	field, err := m.Estimator.Compute(smallPrev, smallNext)
	if err != nil {
		return nil, errors.Wrapf(err, "%s flow", m.Estimator.Name())
	}
	return field, nil
}

// Downsample halves src in both dimensions with area interpolation.
func Downsample(src gocv.Mat, dst *gocv.Mat) {
	gocv.Resize(src, dst, image.Pt(src.Cols()/2, src.Rows()/2), 0, 0, gocv.InterpolationArea)
}

// Upsample resizes field to size with bilinear interpolation and returns
// a CV_32FC2 Mat the caller must close. Vectors are not rescaled.
func Upsample(field *flow.Field, size image.Point) (gocv.Mat, error) {
	small, err := field.ToMat()
	if err != nil {
		return gocv.Mat{}, err
	}
	defer small.Close()

	full := gocv.NewMat()
	gocv.Resize(small, &full, size, 0, 0, gocv.InterpolationLinear)
	return full, nil
}

// Colorize upsamples field to size and converts it to RGBA bytes. The
// magnitude is min-max normalized per call; if its spread is no more than
// noiseFloor the output is black. It returns the observed magnitude range.
func Colorize(field *flow.Field, size image.Point, noiseFloor float64) (rgba []byte, lo, hi float64, err error) {
	if field == nil || field.Width == 0 || field.Height == 0 {
		return nil, 0, 0, errors.New("empty flow field")
	}
	if size.X <= 0 || size.Y <= 0 {
		return nil, 0, 0, errors.Errorf("invalid output size %v", size)
	}

	full, err := Upsample(field, size)
	if err != nil {
		return nil, 0, 0, err
	}
	defer full.Close()

	parts := gocv.Split(full)
	defer func() {
		for i := range parts {
			err = multierr.Append(err, parts[i].Close())
		}
	}()
	if len(parts) != 2 {
		return nil, 0, 0, errors.Errorf("flow has %d channels, want 2", len(parts))
	}

	magnitude := gocv.NewMat()
	defer magnitude.Close()
	angle := gocv.NewMat()
	defer angle.Close()
	gocv.CartToPolar(parts[0], parts[1], &magnitude, &angle, true)

	minVal, maxVal, _, _ := gocv.MinMaxLoc(magnitude)
	lo, hi = float64(minVal), float64(maxVal)
	if hi-lo <= noiseFloor {
		return black(size), lo, hi, nil
	}

	// translate magnitude to [0, 1]
	value := gocv.NewMat()
	defer value.Close()
	gocv.Normalize(magnitude, &value, 0, 1, gocv.NormMinMax)

	saturation := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(1, 0, 0, 0), size.Y, size.X, gocv.MatTypeCV32F)
	defer saturation.Close()

	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.Merge([]gocv.Mat{angle, saturation, value}, &hsv)

	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(hsv, &rgb, gocv.ColorHSVToRGB)

	rgb8 := gocv.NewMat()
	defer rgb8.Close()
	rgb.ConvertToWithParams(&rgb8, gocv.MatTypeCV8UC3, 255, 0)

	// appends an opaque alpha channel; channel order is kept as R,G,B
	out := gocv.NewMat()
	defer out.Close()
	gocv.CvtColor(rgb8, &out, gocv.ColorBGRToBGRA)

	return out.ToBytes(), lo, hi, nil
}

func black(size image.Point) []byte {
	pix := make([]byte, 4*size.X*size.Y)
	for i := 3; i < len(pix); i += 4 {
		pix[i] = 0xff
	}
	return pix
}
