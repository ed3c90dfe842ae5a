package flow

import (
	"gocv.io/x/gocv"
)

// HornSchunckConfig holds the smoothness weight and iteration count.
type HornSchunckConfig struct {
	Alpha      float32 // 100, larger values give smoother fields
	Iterations int     // 160
}

type hornSchunck struct {
	cfg HornSchunckConfig
}

// NewHornSchunck returns a variational estimator solved with Jacobi
// iterations. It handles displacements of a pixel or two; larger motion
// needs one of the pyramidal backends.
func NewHornSchunck(cfg HornSchunckConfig) Estimator {
	if cfg.Alpha <= 0 {
		cfg.Alpha = 100
	}
	if cfg.Iterations <= 0 {
		cfg.Iterations = 160
	}
	return &hornSchunck{cfg: cfg}
}

func (h *hornSchunck) Name() string { return BackendHornSchunck }

func (h *hornSchunck) Compute(prev, next gocv.Mat) (*Field, error) {
	if err := checkInputs(prev, next); err != nil {
		return nil, err
	}
	w, ht := prev.Cols(), prev.Rows()
	return hornSchunckFlow(prev.ToBytes(), next.ToBytes(), w, ht, h.cfg.Alpha, h.cfg.Iterations), nil
}

// derivatives fx, fy, fz per pixel, interleaved
const (
	fxc = iota
	fyc
	fzc
)

// deriveMixed averages central differences of both frames, with mirrored
// borders, and takes the temporal difference.
func deriveMixed(f1, f2 []byte, w, h int) []float32 {
	at := func(p []byte, x, y int) float32 {
		x = mirror(x, w)
		y = mirror(y, h)
		return float32(p[y*w+x])
	}
	derivs := make([]float32, 3*w*h)
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			d := derivs[3*(j*w+i):]
			d[fxc] = (at(f1, i+1, j) - at(f1, i-1, j) + at(f2, i+1, j) - at(f2, i-1, j)) / 4
			d[fyc] = (at(f1, i, j+1) - at(f1, i, j-1) + at(f2, i, j+1) - at(f2, i, j-1)) / 4
			d[fzc] = at(f2, i, j) - at(f1, i, j)
		}
	}
	return derivs
}

func hornSchunckFlow(f1, f2 []byte, w, h int, alpha float32, iterations int) *Field {
	derivs := deriveMixed(f1, f2, w, h)
	uv := NewField(w, h)
	old := NewField(w, h)
	for k := 0; k < iterations; k++ {
		jacobiStep(alpha, derivs, old, uv)
		copy(old.Data, uv.Data)
	}
	return uv
}

func jacobiStep(alpha float32, derivs []float32, old, uv *Field) {
	w, h := uv.Width, uv.Height
	help := 1 / alpha
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			nn := 0
			var uSum, vSum float32
			if i > 0 {
				nn++
				u, v := old.At(i-1, j)
				uSum += u
				vSum += v
			}
			if i < w-1 {
				nn++
				u, v := old.At(i+1, j)
				uSum += u
				vSum += v
			}
			if j > 0 {
				nn++
				u, v := old.At(i, j-1)
				uSum += u
				vSum += v
			}
			if j < h-1 {
				nn++
				u, v := old.At(i, j+1)
				uSum += u
				vSum += v
			}
			if nn == 0 {
				continue
			}

			d := derivs[3*(j*w+i):]
			fx, fy, fz := d[fxc], d[fyc], d[fzc]
			u0, v0 := old.At(i, j)
			uSum -= help * fx * (fy*v0 + fz)
			uSum /= float32(nn) + help*fx*fx
			vSum -= help * fy * (fx*u0 + fz)
			vSum /= float32(nn) + help*fy*fy
			uv.Set(i, j, uSum, vSum)
		}
	}
}

// mirror reflects an out-of-range index back into [0, n).
func mirror(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*(n-1) - i
		}
	}
	return i
}
