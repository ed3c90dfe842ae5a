package flow

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Field is a dense displacement field. Data holds interleaved (dx, dy)
// pairs in row-major order, in pixels of the resolution it was computed at.
type Field struct {
	Width  int
	Height int
	Data   []float32
}

// NewField returns a zero field of the given size.
func NewField(width, height int) *Field {
	return &Field{Width: width, Height: height, Data: make([]float32, 2*width*height)}
}

// At returns the displacement at column x, row y.
func (f *Field) At(x, y int) (dx, dy float32) {
	i := 2 * (y*f.Width + x)
	return f.Data[i], f.Data[i+1]
}

// Set stores the displacement at column x, row y.
func (f *Field) Set(x, y int, dx, dy float32) {
	i := 2 * (y*f.Width + x)
	f.Data[i], f.Data[i+1] = dx, dy
}

// Scale multiplies every vector by s in place.
func (f *Field) Scale(s float32) {
	for i := range f.Data {
		f.Data[i] *= s
	}
}

// Mean returns the average displacement over the field.
func (f *Field) Mean() r2.Point {
	n := f.Width * f.Height
	if n == 0 {
		return r2.Point{}
	}
	var sx, sy float64
	for i := 0; i < len(f.Data); i += 2 {
		sx += float64(f.Data[i])
		sy += float64(f.Data[i+1])
	}
	return r2.Point{X: sx / float64(n), Y: sy / float64(n)}
}

// Rotation returns the mean angular displacement, in radians, of every
// vector about the centre of the field. Vectors starting at the centre are
// skipped.
func (f *Field) Rotation() float64 {
	cx := float64(f.Width-1) / 2
	cy := float64(f.Height-1) / 2

	var sum float64
	valid := 0
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			px, py := float64(x)-cx, float64(y)-cy
			if px == 0 && py == 0 {
				continue
			}
			dx, dy := f.At(x, y)
			prevAngle := math.Atan2(py, px)
			nextAngle := math.Atan2(py+float64(dy), px+float64(dx))
			sum += normalizeAngle(nextAngle - prevAngle)
			valid++
		}
	}
	if valid == 0 {
		return 0
	}
	return sum / float64(valid)
}

// MagnitudeRange returns the smallest and largest vector length.
func (f *Field) MagnitudeRange() (lo, hi float64) {
	if len(f.Data) == 0 {
		return 0, 0
	}
	lo = math.Inf(1)
	for i := 0; i < len(f.Data); i += 2 {
		m := math.Hypot(float64(f.Data[i]), float64(f.Data[i+1]))
		lo = math.Min(lo, m)
		hi = math.Max(hi, m)
	}
	return lo, hi
}

// ToMat copies the field into a new CV_32FC2 Mat. The caller must close it.
func (f *Field) ToMat() (gocv.Mat, error) {
	m := gocv.NewMatWithSize(f.Height, f.Width, gocv.MatTypeCV32FC2)
	data, err := m.DataPtrFloat32()
	if err != nil {
		m.Close()
		return gocv.Mat{}, errors.Wrap(err, "cannot access flow mat")
	}
	copy(data, f.Data)
	return m, nil
}

// FieldFromMat copies a CV_32FC2 Mat into a Field.
func FieldFromMat(m gocv.Mat) (*Field, error) {
	if m.Empty() {
		return nil, errors.New("empty flow mat")
	}
	if m.Type() != gocv.MatTypeCV32FC2 {
		return nil, errors.Errorf("flow mat has type %v, want CV_32FC2", m.Type())
	}
	data, err := m.DataPtrFloat32()
	if err != nil {
		return nil, errors.Wrap(err, "cannot access flow mat")
	}
	f := NewField(m.Cols(), m.Rows())
	copy(f.Data, data)
	return f, nil
}

// normalizeAngle wraps angle into [-pi, pi].
func normalizeAngle(angle float64) float64 {
	for angle > math.Pi {
		angle -= 2 * math.Pi
	}
	for angle < -math.Pi {
		angle += 2 * math.Pi
	}
	return angle
}
