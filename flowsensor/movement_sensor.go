// Package flowsensor estimates camera ego-motion from dense optical flow
// between consecutive frames and serves it as a movement sensor.
package flowsensor

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	geo "github.com/kellydunn/golang-geo"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/components/movementsensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"

	"dualflow"
	"dualflow/flow"
	"dualflow/ingest"
	"dualflow/visual"
)

var Model = dualflow.NamespaceFamily.WithModel("flow-movement-sensor")

var (
	errUnimplemented = errors.New("unimplemented")
	errNoEstimate    = errors.New("no motion estimate yet")
)

func init() {
	resource.RegisterComponent(movementsensor.API, Model,
		resource.Registration[movementsensor.MovementSensor, *Config]{
			Constructor: newFlow,
		},
	)
}

type Config struct {
	Camera string `json:"camera"`

	FocalLengthPixels float64 `json:"focal-length-pixels"`
	Backend           string  `json:"backend,omitempty"`

	// SampleIntervalMs is the time between frames; defaults to 200.
	SampleIntervalMs int `json:"sample-interval-ms,omitempty"`
}

func (cfg *Config) getSampleInterval() time.Duration {
	if cfg.SampleIntervalMs <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(cfg.SampleIntervalMs) * time.Millisecond
}

func (cfg *Config) Validate(path string) ([]string, error) {
	if cfg.Camera == "" {
		return nil, fmt.Errorf("need camera")
	}
	if cfg.FocalLengthPixels <= 0 {
		return nil, fmt.Errorf("need focal-length-pixels")
	}
	if _, err := flow.New(cfg.Backend, nil); err != nil {
		return nil, err
	}

	return []string{cfg.Camera}, nil
}

// Motion is the velocity derived from one frame pair.
type Motion struct {
	Linear  r3.Vector
	Angular spatialmath.AngularVelocity
	At      time.Time
}

type flowSensor struct {
	resource.AlwaysRebuild

	name resource.Name

	logger logging.Logger
	cfg    *Config
	mapper *visual.Mapper

	cancelCtx  context.Context
	cancelFunc func()
	workers    sync.WaitGroup

	cam camera.Camera

	mu       sync.Mutex
	prev     *image.Gray
	prevTime time.Time
	last     Motion
	lastErr  error
}

func newFlow(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (movementsensor.MovementSensor, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	return NewFlow(ctx, deps, rawConf.ResourceName(), conf, logger)
}

func NewFlow(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *Config, logger logging.Logger) (movementsensor.MovementSensor, error) {
	cam, err := camera.FromDependencies(deps, conf.Camera)
	if err != nil {
		return nil, err
	}

	f, err := newFromCamera(name, conf, cam, logger)
	if err != nil {
		return nil, err
	}
	f.start()
	return f, nil
}

func newFromCamera(name resource.Name, conf *Config, cam camera.Camera, logger logging.Logger) (*flowSensor, error) {
	est, err := flow.New(conf.Backend, logger)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())

	return &flowSensor{
		name:       name,
		logger:     logger,
		cfg:        conf,
		mapper:     visual.NewMapper(est, logger),
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
		cam:        cam,
	}, nil
}

func (f *flowSensor) start() {
	f.workers.Add(1)
	goutils.ManagedGo(func() {
		for goutils.SelectContextOrWait(f.cancelCtx, f.cfg.getSampleInterval()) {
			if err := f.sample(f.cancelCtx, time.Now()); err != nil {
				f.logger.Debugf("flow sample failed: %v", err)
			}
		}
	}, f.workers.Done)
}

// sample grabs a frame and, if a previous one exists, updates the motion
// estimate from the flow between them.
func (f *flowSensor) sample(ctx context.Context, now time.Time) error {
	all, _, err := f.cam.Images(ctx)
	if err == nil && len(all) == 0 {
		err = errors.New("camera returned no images")
	}
	if err != nil {
		f.setErr(err)
		return err
	}

	cur, err := ingest.FromImage(all[0].Image)
	if err != nil {
		f.setErr(err)
		return err
	}
	defer cur.Close()

	f.mu.Lock()
	prevPix, prevTime := f.prev, f.prevTime
	f.mu.Unlock()

	gray := &image.Gray{Pix: append([]byte(nil), cur.Pix()...), Stride: cur.Width(), Rect: image.Rect(0, 0, cur.Width(), cur.Height())}
	defer func() {
		f.mu.Lock()
		f.prev, f.prevTime = gray, now
		f.mu.Unlock()
	}()

	if prevPix == nil || prevPix.Rect != gray.Rect {
		return nil
	}

	prev, err := ingest.Borrow(prevPix.Pix, prevPix.Rect.Dx(), prevPix.Rect.Dy())
	if err != nil {
		f.setErr(err)
		return err
	}
	defer prev.Close()

	m, err := f.computeMotion(prev, cur, now.Sub(prevTime))
	if err != nil {
		f.setErr(err)
		return err
	}
	m.At = now

	f.mu.Lock()
	f.last, f.lastErr = m, nil
	f.mu.Unlock()
	return nil
}

// computeMotion calculates linear and angular velocity from two frames
// taken dt apart. Linear velocity is the mean image displacement per second
// divided by the focal length; angular velocity is rotation about the
// optical axis.
func (f *flowSensor) computeMotion(prev, now *ingest.Frame, dt time.Duration) (Motion, error) {
	secs := dt.Seconds()
	if secs <= 0 {
		return Motion{}, errors.New("time between frames must be positive")
	}

	field, err := f.mapper.Flow(prev, now)
	if err != nil {
		return Motion{}, err
	}

	mean := fullResolutionMean(field, prev.Width(), prev.Height())
	rotation := field.Rotation()

	f.logger.Debugf("mean flow %v rotation %.4f over %v", mean, rotation, dt)

	return Motion{
		Linear: r3.Vector{
			X: mean.X / secs / f.cfg.FocalLengthPixels,
			Y: mean.Y / secs / f.cfg.FocalLengthPixels,
		},
		Angular: spatialmath.AngularVelocity{Z: rotation / secs},
	}, nil
}

// fullResolutionMean returns the mean displacement of field in pixels of a
// width x height frame. Each axis is scaled by its own ratio since odd sizes
// do not halve evenly.
func fullResolutionMean(field *flow.Field, width, height int) r2.Point {
	mean := field.Mean()
	if field.Width == 0 || field.Height == 0 {
		return mean
	}
	return r2.Point{
		X: mean.X * float64(width) / float64(field.Width),
		Y: mean.Y * float64(height) / float64(field.Height),
	}
}

func (f *flowSensor) setErr(err error) {
	f.mu.Lock()
	f.lastErr = err
	f.mu.Unlock()
}

func (f *flowSensor) latest() (Motion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastErr != nil {
		return Motion{}, f.lastErr
	}
	if f.last.At.IsZero() {
		return Motion{}, errNoEstimate
	}
	return f.last, nil
}

func (f *flowSensor) Name() resource.Name {
	return f.name
}

func (f *flowSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return nil, nil
}

func (f *flowSensor) Close(context.Context) error {
	f.cancelFunc()
	f.workers.Wait()
	return nil
}

func (f *flowSensor) LinearVelocity(ctx context.Context, extra map[string]interface{}) (r3.Vector, error) {
	m, err := f.latest()
	return m.Linear, err
}

func (f *flowSensor) AngularVelocity(ctx context.Context, extra map[string]interface{}) (spatialmath.AngularVelocity, error) {
	m, err := f.latest()
	return m.Angular, err
}

func (f *flowSensor) Position(ctx context.Context, extra map[string]interface{}) (*geo.Point, float64, error) {
	return nil, 0, errUnimplemented
}

func (f *flowSensor) LinearAcceleration(ctx context.Context, extra map[string]interface{}) (r3.Vector, error) {
	return r3.Vector{}, errUnimplemented
}

func (f *flowSensor) CompassHeading(ctx context.Context, extra map[string]interface{}) (float64, error) {
	return 0, errUnimplemented
}

func (f *flowSensor) Orientation(ctx context.Context, extra map[string]interface{}) (spatialmath.Orientation, error) {
	return nil, errUnimplemented
}

func (f *flowSensor) Properties(ctx context.Context, extra map[string]interface{}) (*movementsensor.Properties, error) {
	return &movementsensor.Properties{
		LinearVelocitySupported:  true,
		AngularVelocitySupported: true,
	}, nil
}

func (f *flowSensor) Accuracy(ctx context.Context, extra map[string]interface{}) (*movementsensor.Accuracy, error) {
	return nil, errUnimplemented
}

func (f *flowSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	m, err := f.latest()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"linear_velocity":  m.Linear,
		"angular_velocity": m.Angular,
	}, nil
}
