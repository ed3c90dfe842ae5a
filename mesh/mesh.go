// Package mesh builds the vertex, texture coordinate and triangle index
// buffers for a regular grid that is forward-warped by an optical flow field.
//
// All generators write into caller-provided slices; Build allocates fresh
// ones. Vertex and texture buffers share the same traversal: rows from the
// bottom of the image to the top, columns left to right, so index i of one
// buffer corresponds to index i of the other.
package mesh

import (
	"github.com/pkg/errors"

	"dualflow/flow"
)

var (
	// ErrInvalidDimensions is returned for grids that cannot be meshed.
	ErrInvalidDimensions = errors.New("invalid grid dimensions")
	// ErrShortBuffer is returned when a destination slice is too small.
	ErrShortBuffer = errors.New("destination buffer too small")
)

// Buffers is a full set of mesh buffers for one grid.
type Buffers struct {
	Width, Height int
	Vertices      []float32
	UVs           []float32
	Indices       []int32
}

// VertexLen is the number of floats Vertices writes for a w x h grid.
func VertexLen(w, h int) int { return 2 * w * h }

// TextureLen is the number of floats TextureCoords writes for a w x h grid.
func TextureLen(w, h int) int { return 2 * w * h }

// IndexLen is the number of indices TriangleIndices writes for a w x h grid.
func IndexLen(w, h int) int {
	if w < 2 || h < 2 {
		return 0
	}
	return 6 * (w - 1) * (h - 1)
}

// Vertices writes one (x, y) position per cell of field into dst. Positions
// span [-1, 1] and are offset by the cell's flow divided by the grid size
// and multiplied by scale. Output rows run bottom to top while the field is
// stored top to bottom, so output row i reads field row h-1-i.
func Vertices(field *flow.Field, scale float32, dst []float32) error {
	if field == nil {
		return errors.Wrap(ErrInvalidDimensions, "nil field")
	}
	w, h := field.Width, field.Height
	if w < 2 || h < 2 {
		return errors.Wrapf(ErrInvalidDimensions, "vertex grid %dx%d", w, h)
	}
	if len(dst) < VertexLen(w, h) {
		return errors.Wrapf(ErrShortBuffer, "vertices need %d floats, have %d", VertexLen(w, h), len(dst))
	}

	// half extents are whole cells; odd sizes overshoot 1 by one cell
	w2 := float32(w / 2)
	h2 := float32(h / 2)
	fw := float32(w)
	fh := float32(h)

	k := 0
	for i := h - 1; i >= 0; i-- {
		for j := 0; j < w; j++ {
			dx, dy := field.At(j, h-1-i)
			dst[k] = float32(j)/w2 - 1 + scale*dx/fw
			dst[k+1] = float32(i)/h2 - 1 + scale*dy/fh
			k += 2
		}
	}
	return nil
}

// TextureCoords writes (u, v) = (x/w, y/h) for every grid point into dst,
// rows from y=h-1 down to 0.
func TextureCoords(w, h int, dst []float32) error {
	if w <= 0 || h <= 0 {
		return errors.Wrapf(ErrInvalidDimensions, "texture grid %dx%d", w, h)
	}
	if len(dst) < TextureLen(w, h) {
		return errors.Wrapf(ErrShortBuffer, "texture coords need %d floats, have %d", TextureLen(w, h), len(dst))
	}

	fw := float32(w)
	fh := float32(h)
	k := 0
	for i := h - 1; i >= 0; i-- {
		for j := 0; j < w; j++ {
			dst[k] = float32(j) / fw
			dst[k+1] = float32(i) / fh
			k += 2
		}
	}
	return nil
}

// TriangleIndices writes two triangles for each of the (w-1)*(h-1) quads of
// a w x h grid into dst. Vertex (row, col) has index row*w+col. Each quad is
// emitted as (top-left, bottom-left, top-right), (top-right, bottom-left,
// bottom-right).
func TriangleIndices(w, h int, dst []int32) error {
	if w < 2 || h < 2 {
		return errors.Wrapf(ErrInvalidDimensions, "index grid %dx%d", w, h)
	}
	if len(dst) < IndexLen(w, h) {
		return errors.Wrapf(ErrShortBuffer, "indices need %d, have %d", IndexLen(w, h), len(dst))
	}

	k := 0
	for y := 0; y < h-1; y++ {
		for x := 0; x < w-1; x++ {
			topLeft := int32(y*w + x)
			bottomLeft := int32((y+1)*w + x)
			topRight := topLeft + 1
			bottomRight := bottomLeft + 1

			dst[k], dst[k+1], dst[k+2] = topLeft, bottomLeft, topRight
			dst[k+3], dst[k+4], dst[k+5] = topRight, bottomLeft, bottomRight
			k += 6
		}
	}
	return nil
}

// Build allocates and fills all three buffers for field's grid.
func Build(field *flow.Field, scale float32) (*Buffers, error) {
	if field == nil {
		return nil, errors.Wrap(ErrInvalidDimensions, "nil field")
	}
	w, h := field.Width, field.Height
	b := &Buffers{
		Width:    w,
		Height:   h,
		Vertices: make([]float32, VertexLen(w, h)),
		UVs:      make([]float32, TextureLen(w, h)),
		Indices:  make([]int32, IndexLen(w, h)),
	}
	if err := Vertices(field, scale, b.Vertices); err != nil {
		return nil, err
	}
	if err := TextureCoords(w, h, b.UVs); err != nil {
		return nil, err
	}
	if err := TriangleIndices(w, h, b.Indices); err != nil {
		return nil, err
	}
	return b, nil
}
