package dualflow

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/pkg/errors"

	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/rimage"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/rdk/utils"

	"dualflow/flow"
	"dualflow/ingest"
	"dualflow/mesh"
	"dualflow/visual"
)

var (
	NamespaceFamily = resource.NewModelFamily("dualflow", "optical-flow")
	FlowCamera      = NamespaceFamily.WithModel("dual-flow-camera")

	errUnimplemented = errors.New("unimplemented")
)

// FlowImageName is the source name of the image returned by Images.
const FlowImageName = "flow"

func init() {
	resource.RegisterComponent(camera.API, FlowCamera,
		resource.Registration[camera.Camera, *Config]{
			Constructor: newDualFlowCamera,
		},
	)
}

type Config struct {
	// First and Second name the cameras supplying the earlier and later frame.
	First  string `json:"first"`
	Second string `json:"second"`

	Backend string `json:"backend,omitempty"`

	// MeshScale multiplies the flow offset applied to mesh vertices.
	MeshScale float64 `json:"mesh-scale,omitempty"`
	// NoiseFloor is the magnitude spread, in pixels, at or below which a frame
	// renders black. Unset uses visual.DefaultNoiseFloor; 0 blacks out only
	// frames whose magnitude is constant.
	NoiseFloor *float64 `json:"noise-floor,omitempty"`

	// Point clouds are only produced when both of these are set.
	BaselineMeters    float64 `json:"baseline-meters,omitempty"`
	FocalLengthPixels float64 `json:"focal-length-pixels,omitempty"`

	MinDisparity float64 `json:"min-disparity,omitempty"`
	MaxDisparity float64 `json:"max-disparity,omitempty"`

	// PixelStep controls how many flow cells to skip (higher = faster but less dense)
	PixelStep int `json:"pixel-step,omitempty"`
}

func (cfg *Config) getMeshScale() float32 {
	if cfg.MeshScale == 0 {
		return 1
	}
	return float32(cfg.MeshScale)
}

func (cfg *Config) getNoiseFloor() float64 {
	if cfg.NoiseFloor == nil {
		return visual.DefaultNoiseFloor
	}
	return *cfg.NoiseFloor
}

func (cfg *Config) getMinDisparity() float64 {
	if cfg.MinDisparity <= 0 {
		return 1
	}
	return cfg.MinDisparity
}

func (cfg *Config) getMaxDisparity() float64 {
	if cfg.MaxDisparity <= 0 {
		return 64
	}
	return cfg.MaxDisparity
}

func (cfg *Config) getPixelStep() int {
	if cfg.PixelStep <= 0 {
		return 1
	}
	return cfg.PixelStep
}

func (cfg *Config) supportsPCD() bool {
	return cfg.BaselineMeters > 0 && cfg.FocalLengthPixels > 0
}

func (cfg *Config) Validate(path string) ([]string, error) {
	if cfg.First == "" {
		return nil, fmt.Errorf("need first")
	}
	if cfg.Second == "" {
		return nil, fmt.Errorf("need second")
	}

	if _, err := flow.New(cfg.Backend, nil); err != nil {
		return nil, err
	}

	if cfg.NoiseFloor != nil && *cfg.NoiseFloor < 0 {
		return nil, fmt.Errorf("noise-floor must not be negative")
	}

	if cfg.BaselineMeters < 0 || cfg.FocalLengthPixels < 0 {
		return nil, fmt.Errorf("baseline-meters and focal-length-pixels must not be negative")
	}
	if (cfg.BaselineMeters > 0) != (cfg.FocalLengthPixels > 0) {
		return nil, fmt.Errorf("need both baseline-meters and focal-length-pixels for point clouds")
	}
	if cfg.getMinDisparity() >= cfg.getMaxDisparity() {
		return nil, fmt.Errorf("min-disparity must be below max-disparity")
	}

	return []string{cfg.First, cfg.Second}, nil
}

type dualFlowCamera struct {
	resource.AlwaysRebuild

	name resource.Name

	logger logging.Logger
	cfg    *Config
	mapper *visual.Mapper

	cancelCtx  context.Context
	cancelFunc func()

	first, second camera.Camera
}

func newDualFlowCamera(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (camera.Camera, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	return NewDualFlowCamera(ctx, deps, rawConf.ResourceName(), conf, logger)
}

func NewDualFlowCamera(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *Config, logger logging.Logger) (camera.Camera, error) {
	first, err := camera.FromDependencies(deps, conf.First)
	if err != nil {
		return nil, err
	}
	second, err := camera.FromDependencies(deps, conf.Second)
	if err != nil {
		return nil, err
	}
	return newFromCameras(name, conf, first, second, logger)
}

func newFromCameras(name resource.Name, conf *Config, first, second camera.Camera, logger logging.Logger) (*dualFlowCamera, error) {
	est, err := flow.New(conf.Backend, logger)
	if err != nil {
		return nil, err
	}
	mapper := visual.NewMapper(est, logger)
	mapper.NoiseFloor = conf.getNoiseFloor()

	cancelCtx, cancelFunc := context.WithCancel(context.Background())

	return &dualFlowCamera{
		name:       name,
		logger:     logger,
		cfg:        conf,
		mapper:     mapper,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
		first:      first,
		second:     second,
	}, nil
}

func (c *dualFlowCamera) Name() resource.Name {
	return c.name
}

// DoCommand supports {"mesh": true}, returning the forward-warped mesh
// buffers for the current frame pair.
func (c *dualFlowCamera) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	if v, ok := cmd["mesh"].(bool); ok && v {
		res, err := c.render(ctx)
		if err != nil {
			return nil, err
		}
		b, err := mesh.Build(res.Field, c.cfg.getMeshScale())
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"width":    b.Width,
			"height":   b.Height,
			"backend":  c.mapper.Estimator.Name(),
			"vertices": floats(b.Vertices),
			"uvs":      floats(b.UVs),
			"indices":  ints(b.Indices),
		}, nil
	}
	return nil, fmt.Errorf("unknown command %v", cmd)
}

func (c *dualFlowCamera) Close(context.Context) error {
	c.cancelFunc()
	return nil
}

func (c *dualFlowCamera) Image(ctx context.Context, mimeType string, extra map[string]interface{}) ([]byte, camera.ImageMetadata, error) {
	if mimeType == "" {
		mimeType = utils.MimeTypePNG
	}
	res, err := c.render(ctx)
	if err != nil {
		return nil, camera.ImageMetadata{}, err
	}
	data, err := rimage.EncodeImage(ctx, res.Image(), mimeType)
	if err != nil {
		return nil, camera.ImageMetadata{}, err
	}
	return data, camera.ImageMetadata{MimeType: mimeType}, nil
}

func (c *dualFlowCamera) Images(ctx context.Context) ([]camera.NamedImage, resource.ResponseMetadata, error) {
	res, err := c.render(ctx)
	if err != nil {
		return nil, resource.ResponseMetadata{}, err
	}
	return []camera.NamedImage{{Image: res.Image(), SourceName: FlowImageName}},
		resource.ResponseMetadata{CapturedAt: time.Now()}, nil
}

func (c *dualFlowCamera) NextPointCloud(ctx context.Context) (pointcloud.PointCloud, error) {
	if !c.cfg.supportsPCD() {
		return nil, errors.Wrap(errUnimplemented, "point clouds need baseline-meters and focal-length-pixels")
	}
	res, err := c.render(ctx)
	if err != nil {
		return nil, err
	}
	return FlowToPointCloud(res, StereoPCDConfig{
		Baseline:     c.cfg.BaselineMeters,
		FocalLength:  c.cfg.FocalLengthPixels,
		MinDisparity: c.cfg.getMinDisparity(),
		MaxDisparity: c.cfg.getMaxDisparity(),
		PixelStep:    c.cfg.getPixelStep(),
	})
}

func (c *dualFlowCamera) Properties(ctx context.Context) (camera.Properties, error) {
	return camera.Properties{
		SupportsPCD: c.cfg.supportsPCD(),
	}, nil
}

func (c *dualFlowCamera) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return nil, nil
}

// render grabs one frame from each camera and visualizes the flow between them.
func (c *dualFlowCamera) render(ctx context.Context) (*visual.Result, error) {
	// TODO: fetch both frames concurrently to tighten their capture times
	a, err := grab(ctx, c.first)
	if err != nil {
		return nil, errors.Wrapf(err, "camera %q", c.cfg.First)
	}
	b, err := grab(ctx, c.second)
	if err != nil {
		return nil, errors.Wrapf(err, "camera %q", c.cfg.Second)
	}

	prev, err := ingest.FromImage(a)
	if err != nil {
		return nil, err
	}
	defer prev.Close()

	next, err := ingest.FromImage(b)
	if err != nil {
		return nil, err
	}
	defer next.Close()

	return c.mapper.Render(prev, next)
}

func grab(ctx context.Context, cam camera.Camera) (image.Image, error) {
	all, _, err := cam.Images(ctx)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, errors.New("camera returned no images")
	}
	return all[0].Image, nil
}

func floats(in []float32) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

func ints(in []int32) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}
