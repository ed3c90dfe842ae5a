package dualflow

import (
	"image/color"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/rdk/pointcloud"

	"dualflow/visual"
)

// StereoPCDConfig holds the parameters for turning horizontal flow between
// two side-by-side cameras into depth.
type StereoPCDConfig struct {
	Baseline    float64 // distance between cameras in meters
	FocalLength float64 // focal length of the camera in pixels

	// disparities, in full-resolution pixels, outside (min, max) are dropped
	MinDisparity float64
	MaxDisparity float64

	PixelStep int // controls how many flow cells to skip (higher = faster but less dense)
}

// FlowToPointCloud treats the horizontal component of res.Field as stereo
// disparity and back-projects every accepted cell with a pinhole model,
// colored by the flow visualization.
func FlowToPointCloud(res *visual.Result, config StereoPCDConfig) (pointcloud.PointCloud, error) {
	if res == nil || res.Field == nil {
		return nil, errors.New("no flow to convert")
	}
	if config.Baseline <= 0 || config.FocalLength <= 0 {
		return nil, errors.New("baseline and focal length must be positive")
	}
	step := config.PixelStep
	if step <= 0 {
		step = 1
	}

	field := res.Field
	// the field is at half resolution
	sx := float64(res.Width) / float64(field.Width)
	sy := float64(res.Height) / float64(field.Height)

	// principal point at the image centre
	cx := float64(res.Width) / 2.0
	cy := float64(res.Height) / 2.0

	img := res.Image()
	pc := pointcloud.New()

	for y := 0; y < field.Height; y += step {
		for x := 0; x < field.Width; x += step {
			dx, _ := field.At(x, y)
			disparity := math.Abs(float64(dx)) * sx

			if disparity <= config.MinDisparity || disparity >= config.MaxDisparity {
				continue
			}

			// Z = (baseline * focal_length) / disparity
			z := (config.Baseline * config.FocalLength) / disparity

			px := float64(x) * sx
			py := float64(y) * sy
			x3d := ((px - cx) * z) / config.FocalLength
			y3d := ((py - cy) * z) / config.FocalLength

			c := img.RGBAAt(int(px), int(py))
			err := pc.Set(
				r3.Vector{X: x3d, Y: y3d, Z: z},
				pointcloud.NewColoredData(color.NRGBA{R: c.R, G: c.G, B: c.B, A: 255}),
			)
			if err != nil {
				return nil, err
			}
		}
	}

	return pc, nil
}
