package dualflow

import (
	"context"
	"image"
	"math"
	"testing"

	"github.com/golang/geo/r3"

	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/testutils/inject"
	"go.viam.com/rdk/utils"
	"go.viam.com/test"

	"dualflow/flow"
	"dualflow/mesh"
	"dualflow/visual"
)

func gradient(w, h int, shift float64) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			fx := float64(x) - shift
			v := 127 + 55*math.Sin(2*math.Pi*fx/24) + 55*math.Cos(2*math.Pi*float64(y)/30)
			img.Pix[y*img.Stride+x] = uint8(math.Round(v))
		}
	}
	return img
}

func fakeCamera(name string, img image.Image) *inject.Camera {
	cam := inject.NewCamera(name)
	cam.ImagesFunc = func(ctx context.Context) ([]camera.NamedImage, resource.ResponseMetadata, error) {
		return []camera.NamedImage{{Image: img, SourceName: name}}, resource.ResponseMetadata{}, nil
	}
	return cam
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{First: "a", Second: "b"}
	deps, err := cfg.Validate("")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, deps, test.ShouldResemble, []string{"a", "b"})
	test.That(t, cfg.supportsPCD(), test.ShouldBeFalse)
	test.That(t, cfg.getMeshScale(), test.ShouldEqual, float32(1))
	test.That(t, cfg.getNoiseFloor(), test.ShouldEqual, visual.DefaultNoiseFloor)
	test.That(t, cfg.getPixelStep(), test.ShouldEqual, 1)

	_, err = (&Config{Second: "b"}).Validate("")
	test.That(t, err, test.ShouldNotBeNil)
	_, err = (&Config{First: "a"}).Validate("")
	test.That(t, err, test.ShouldNotBeNil)
	_, err = (&Config{First: "a", Second: "b", Backend: "nope"}).Validate("")
	test.That(t, err, test.ShouldNotBeNil)
	_, err = (&Config{First: "a", Second: "b", BaselineMeters: 0.1}).Validate("")
	test.That(t, err, test.ShouldNotBeNil)
	_, err = (&Config{First: "a", Second: "b", MinDisparity: 80}).Validate("")
	test.That(t, err, test.ShouldNotBeNil)

	zero, negative := 0.0, -1.0
	cfg = &Config{First: "a", Second: "b", NoiseFloor: &zero}
	_, err = cfg.Validate("")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.getNoiseFloor(), test.ShouldEqual, 0.0)
	_, err = (&Config{First: "a", Second: "b", NoiseFloor: &negative}).Validate("")
	test.That(t, err, test.ShouldNotBeNil)

	cfg = &Config{First: "a", Second: "b", Backend: flow.BackendFarneback, BaselineMeters: 0.1, FocalLengthPixels: 500, MeshScale: 20}
	_, err = cfg.Validate("")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.supportsPCD(), test.ShouldBeTrue)
	test.That(t, cfg.getMeshScale(), test.ShouldEqual, float32(20))
}

func TestDualFlowCamera(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	const w, h = 48, 40

	conf := &Config{First: "first", Second: "second", Backend: flow.BackendHornSchunck}
	c, err := newFromCameras(camera.Named("flow"), conf,
		fakeCamera("first", gradient(w, h, 0)), fakeCamera("second", gradient(w, h, 2)), logger)
	test.That(t, err, test.ShouldBeNil)
	defer c.Close(ctx)

	test.That(t, c.Name().ShortName(), test.ShouldEqual, "flow")

	data, meta, err := c.Image(ctx, "", nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, meta.MimeType, test.ShouldEqual, utils.MimeTypePNG)
	test.That(t, len(data), test.ShouldBeGreaterThan, 0)

	imgs, _, err := c.Images(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(imgs), test.ShouldEqual, 1)
	test.That(t, imgs[0].SourceName, test.ShouldEqual, FlowImageName)
	test.That(t, imgs[0].Image.Bounds(), test.ShouldResemble, image.Rect(0, 0, w, h))

	props, err := c.Properties(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, props.SupportsPCD, test.ShouldBeFalse)

	_, err = c.NextPointCloud(ctx)
	test.That(t, err, test.ShouldNotBeNil)

	out, err := c.DoCommand(ctx, map[string]interface{}{"mesh": true})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out["width"], test.ShouldEqual, w/2)
	test.That(t, out["height"], test.ShouldEqual, h/2)
	test.That(t, out["backend"], test.ShouldEqual, flow.BackendHornSchunck)
	test.That(t, len(out["vertices"].([]interface{})), test.ShouldEqual, mesh.VertexLen(w/2, h/2))
	test.That(t, len(out["uvs"].([]interface{})), test.ShouldEqual, mesh.TextureLen(w/2, h/2))
	test.That(t, len(out["indices"].([]interface{})), test.ShouldEqual, mesh.IndexLen(w/2, h/2))

	_, err = c.DoCommand(ctx, map[string]interface{}{"other": 1})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDualFlowCameraSizeMismatch(t *testing.T) {
	ctx := context.Background()
	conf := &Config{First: "first", Second: "second", Backend: flow.BackendHornSchunck}
	c, err := newFromCameras(camera.Named("flow"), conf,
		fakeCamera("first", gradient(20, 20, 0)), fakeCamera("second", gradient(22, 20, 0)), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer c.Close(ctx)

	_, _, err = c.Image(ctx, utils.MimeTypePNG, nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestFlowToPointCloud(t *testing.T) {
	f := flow.NewField(4, 4)
	for y := 0; y < 4; y++ {
		for x := 0; x < 2; x++ {
			f.Set(x, y, -1, 0)
		}
	}
	res := &visual.Result{Width: 8, Height: 8, RGBA: make([]byte, 8*8*4), Field: f}

	cfg := StereoPCDConfig{Baseline: 0.1, FocalLength: 100, MinDisparity: 1, MaxDisparity: 64}
	pc, err := FlowToPointCloud(res, cfg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pc.Size(), test.ShouldEqual, 8)

	pc.Iterate(0, 0, func(p r3.Vector, d pointcloud.Data) bool {
		test.That(t, p.Z, test.ShouldAlmostEqual, 5.0)
		return true
	})

	cfg.PixelStep = 2
	pc, err = FlowToPointCloud(res, cfg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pc.Size(), test.ShouldEqual, 2)

	_, err = FlowToPointCloud(nil, cfg)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = FlowToPointCloud(res, StereoPCDConfig{})
	test.That(t, err, test.ShouldNotBeNil)
}
