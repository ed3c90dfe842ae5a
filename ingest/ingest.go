// Package ingest wraps raw single-channel 8-bit frames as gocv Mats.
//
// A Frame borrows the caller's pixel buffer for as long as it is open.
// Callers must Close every Frame they obtain, on every exit path.
package ingest

import (
	"image"
	"image/draw"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gocv.io/x/gocv"
)

var (
	// ErrInvalidDimensions is returned for zero or negative width/height.
	ErrInvalidDimensions = errors.New("invalid frame dimensions")
	// ErrBufferSize is returned when the pixel buffer does not hold width*height bytes.
	ErrBufferSize = errors.New("pixel buffer length does not match dimensions")
	// ErrSizeMismatch is returned when two frames of a pair differ in size.
	ErrSizeMismatch = errors.New("frames must have the same dimensions")
)

// Frame is a single-channel 8-bit image backed by a gocv.Mat.
type Frame struct {
	width, height int
	pix           []byte
	mat           gocv.Mat
	closed        bool
}

// Borrow wraps pix as a width x height CV_8UC1 frame.
// pix must not be modified until the frame is closed.
func Borrow(pix []byte, width, height int) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Wrapf(ErrInvalidDimensions, "%dx%d", width, height)
	}
	if len(pix) != width*height {
		return nil, errors.Wrapf(ErrBufferSize, "got %d bytes for %dx%d", len(pix), width, height)
	}

	mat, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC1, pix)
	if err != nil {
		return nil, errors.Wrap(err, "cannot wrap pixel buffer")
	}
	return &Frame{width: width, height: height, pix: pix, mat: mat}, nil
}

// FromImage converts img to 8-bit luma and returns a frame owning the result.
func FromImage(img image.Image) (*Frame, error) {
	if img == nil {
		return nil, errors.Wrap(ErrInvalidDimensions, "nil image")
	}
	b := img.Bounds()
	gray, ok := img.(*image.Gray)
	if !ok || gray.Stride != b.Dx() || b.Min != (image.Point{}) || len(gray.Pix) != b.Dx()*b.Dy() {
		gray = image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	}
	return Borrow(gray.Pix, b.Dx(), b.Dy())
}

// Width of the frame in pixels.
func (f *Frame) Width() int { return f.width }

// Height of the frame in pixels.
func (f *Frame) Height() int { return f.height }

// Size returns the frame dimensions as a point (x=width, y=height).
func (f *Frame) Size() image.Point { return image.Pt(f.width, f.height) }

// Pix returns the borrowed pixel buffer.
func (f *Frame) Pix() []byte { return f.pix }

// Mat returns the underlying Mat. It is only valid until Close.
func (f *Frame) Mat() gocv.Mat { return f.mat }

// Close releases the Mat. Calling Close more than once is a no-op.
func (f *Frame) Close() error {
	if f == nil || f.closed {
		return nil
	}
	f.closed = true
	err := f.mat.Close()
	f.pix = nil
	return err
}

// CheckPair verifies both frames are open and share dimensions.
func CheckPair(prev, next *Frame) error {
	if prev == nil || next == nil || prev.closed || next.closed {
		return errors.New("frame pair must be two open frames")
	}
	if prev.Size() != next.Size() {
		return errors.Wrapf(ErrSizeMismatch, "%v vs %v", prev.Size(), next.Size())
	}
	return nil
}

// BorrowPair wraps two raw buffers of the same dimensions. If the second
// buffer cannot be wrapped the first frame is released before returning.
func BorrowPair(prevPix, nextPix []byte, width, height int) (prev, next *Frame, err error) {
	prev, err = Borrow(prevPix, width, height)
	if err != nil {
		return nil, nil, errors.Wrap(err, "first frame")
	}
	next, err = Borrow(nextPix, width, height)
	if err != nil {
		return nil, nil, multierr.Combine(errors.Wrap(err, "second frame"), prev.Close())
	}
	return prev, next, nil
}

// ClosePair closes both frames and combines their errors.
func ClosePair(prev, next *Frame) error {
	return multierr.Combine(prev.Close(), next.Close())
}
