package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/rimage"
	"go.viam.com/rdk/utils"

	"dualflow/flow"
	"dualflow/ingest"
	"dualflow/mesh"
	"dualflow/visual"
)

func main() {
	err := realMain()
	if err != nil {
		panic(err)
	}
}

func read(fn string) (image.Image, error) {
	file, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	return img, errors.Wrap(err, fn)
}

func realMain() error {
	prevName := flag.String("prev", "prev.png", "earlier frame")
	nextName := flag.String("next", "next.png", "later frame")
	outName := flag.String("out", "flow.png", "where to write the flow visualization")
	backend := flag.String("backend", flow.DefaultBackend, fmt.Sprintf("flow backend, one of %v", flow.Backends()))
	meshScale := flag.Float64("mesh-scale", 1, "multiplier for the vertex flow offset")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	logger := logging.NewLogger("cli")
	if *debug {
		logger.SetLevel(logging.DEBUG)
	}

	a, err := read(*prevName)
	if err != nil {
		return err
	}
	b, err := read(*nextName)
	if err != nil {
		return err
	}

	prev, err := ingest.FromImage(a)
	if err != nil {
		return err
	}
	defer prev.Close()
	next, err := ingest.FromImage(b)
	if err != nil {
		return err
	}
	defer next.Close()

	est, err := flow.New(*backend, logger)
	if err != nil {
		return err
	}

	res, err := visual.NewMapper(est, logger).Render(prev, next)
	if err != nil {
		return err
	}

	data, err := rimage.EncodeImage(context.Background(), res.Image(), utils.MimeTypePNG)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*outName, data, 0o644); err != nil {
		return err
	}

	buffers, err := mesh.Build(res.Field, float32(*meshScale))
	if err != nil {
		return err
	}

	mean := res.Field.Mean()
	logger.Infof("wrote %s (%dx%d) using %s: magnitude [%.3f, %.3f], mean flow (%.3f, %.3f)",
		*outName, res.Width, res.Height, est.Name(), res.MinMagnitude, res.MaxMagnitude, mean.X, mean.Y)
	logger.Infof("mesh %dx%d: %d vertex floats, %d uv floats, %d indices",
		buffers.Width, buffers.Height, len(buffers.Vertices), len(buffers.UVs), len(buffers.Indices))

	return nil
}
