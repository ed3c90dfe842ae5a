package flow

import (
	"math"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"go.viam.com/rdk/logging"
)

// SparseToDenseConfig controls feature selection and densification.
type SparseToDenseConfig struct {
	MaxCorners   int     // 500
	QualityLevel float64 // 0.01
	MinDistance  float64 // 4
	// Radius is how far, in pixels, a tracked feature influences the field.
	// Pixels with no feature inside the radius get zero flow.
	Radius float64 // 24
}

type sparseToDense struct {
	cfg    SparseToDenseConfig
	logger logging.Logger
}

type track struct {
	x, y   float64
	dx, dy float64
}

// NewSparseToDense returns an estimator that tracks Shi-Tomasi corners with
// pyramidal Lucas-Kanade and spreads their displacements over the image by
// inverse-distance weighting.
func NewSparseToDense(cfg SparseToDenseConfig, logger logging.Logger) Estimator {
	if cfg.MaxCorners <= 0 {
		cfg.MaxCorners = 500
	}
	if cfg.QualityLevel <= 0 {
		cfg.QualityLevel = 0.01
	}
	if cfg.MinDistance <= 0 {
		cfg.MinDistance = 4
	}
	if cfg.Radius <= 0 {
		cfg.Radius = 24
	}
	return &sparseToDense{cfg: cfg, logger: logger}
}

func (s *sparseToDense) Name() string { return BackendSparseToDense }

func (s *sparseToDense) Compute(prev, next gocv.Mat) (*Field, error) {
	if err := checkInputs(prev, next); err != nil {
		return nil, err
	}

	tracks, err := s.track(prev, next)
	if err != nil {
		return nil, err
	}
	if s.logger != nil {
		s.logger.Debugf("sparse-to-dense: %d tracked features", len(tracks))
	}

	return densify(tracks, prev.Cols(), prev.Rows(), s.cfg.Radius), nil
}

func (s *sparseToDense) track(prev, next gocv.Mat) ([]track, error) {
	// Find features to track in previous image using Shi-Tomasi corner detector
	prevPts := gocv.NewMat()
	defer prevPts.Close()
	gocv.GoodFeaturesToTrack(prev, &prevPts, s.cfg.MaxCorners, s.cfg.QualityLevel, s.cfg.MinDistance)

	if prevPts.Rows() == 0 {
		return nil, nil
	}

	nextPts := gocv.NewMat()
	defer nextPts.Close()

	status := gocv.NewMat()
	defer status.Close()

	errMat := gocv.NewMat()
	defer errMat.Close()

	gocv.CalcOpticalFlowPyrLK(prev, next, prevPts, nextPts, &status, &errMat)

	prevXY, err := prevPts.DataPtrFloat32()
	if err != nil {
		return nil, errors.Wrap(err, "cannot read tracked features")
	}
	nextXY, err := nextPts.DataPtrFloat32()
	if err != nil {
		return nil, errors.Wrap(err, "cannot read tracked features")
	}

	tracks := make([]track, 0, prevPts.Rows())
	for i := 0; i < prevPts.Rows() && 2*i+1 < len(nextXY); i++ {
		// Check if point was successfully tracked
		if status.GetUCharAt(i, 0) != 1 {
			continue
		}
		px, py := float64(prevXY[2*i]), float64(prevXY[2*i+1])
		nx, ny := float64(nextXY[2*i]), float64(nextXY[2*i+1])
		tracks = append(tracks, track{x: px, y: py, dx: nx - px, dy: ny - py})
	}
	return tracks, nil
}

// densify interpolates tracks onto every pixel of a width x height grid
// with inverse squared distance weights limited to radius.
func densify(tracks []track, width, height int, radius float64) *Field {
	f := NewField(width, height)
	if len(tracks) == 0 {
		return f
	}

	// bucket tracks into radius-sized cells so each pixel only visits its
	// 3x3 cell neighbourhood
	cell := int(math.Ceil(radius))
	cols := width/cell + 1
	rows := height/cell + 1
	buckets := make([][]int, cols*rows)
	for i, t := range tracks {
		cx := clampInt(int(t.x)/cell, 0, cols-1)
		cy := clampInt(int(t.y)/cell, 0, rows-1)
		buckets[cy*cols+cx] = append(buckets[cy*cols+cx], i)
	}

	maxD2 := radius * radius
	for y := 0; y < height; y++ {
		cy := y / cell
		for x := 0; x < width; x++ {
			cx := x / cell
			var sx, sy, sw float64
			for by := cy - 1; by <= cy+1; by++ {
				if by < 0 || by >= rows {
					continue
				}
				for bx := cx - 1; bx <= cx+1; bx++ {
					if bx < 0 || bx >= cols {
						continue
					}
					for _, i := range buckets[by*cols+bx] {
						t := tracks[i]
						ddx := float64(x) - t.x
						ddy := float64(y) - t.y
						d2 := ddx*ddx + ddy*ddy
						if d2 > maxD2 {
							continue
						}
						if d2 < 1 {
							d2 = 1
						}
						w := 1 / d2
						sx += t.dx * w
						sy += t.dy * w
						sw += w
					}
				}
			}
			if sw > 0 {
				f.Set(x, y, float32(sx/sw), float32(sy/sw))
			}
		}
	}
	return f
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
