package ingest

import (
	"image"
	"image/color"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestBorrow(t *testing.T) {
	pix := make([]byte, 6*4)
	for i := range pix {
		pix[i] = byte(i)
	}

	f, err := Borrow(pix, 6, 4)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.Width(), test.ShouldEqual, 6)
	test.That(t, f.Height(), test.ShouldEqual, 4)
	test.That(t, f.Mat().Cols(), test.ShouldEqual, 6)
	test.That(t, f.Mat().Rows(), test.ShouldEqual, 4)
	test.That(t, int(f.Mat().GetUCharAt(2, 3)), test.ShouldEqual, 15)

	test.That(t, f.Close(), test.ShouldBeNil)
	test.That(t, f.Close(), test.ShouldBeNil)
	test.That(t, f.Pix(), test.ShouldBeNil)
}

func TestBorrowRejects(t *testing.T) {
	_, err := Borrow(nil, 0, 4)
	test.That(t, errors.Is(err, ErrInvalidDimensions), test.ShouldBeTrue)

	_, err = Borrow(make([]byte, 4), -2, -2)
	test.That(t, errors.Is(err, ErrInvalidDimensions), test.ShouldBeTrue)

	_, err = Borrow(make([]byte, 10), 4, 4)
	test.That(t, errors.Is(err, ErrBufferSize), test.ShouldBeTrue)
}

func TestBorrowPair(t *testing.T) {
	prev, next, err := BorrowPair(make([]byte, 16), make([]byte, 15), 4, 4)
	test.That(t, errors.Is(err, ErrBufferSize), test.ShouldBeTrue)
	test.That(t, prev, test.ShouldBeNil)
	test.That(t, next, test.ShouldBeNil)

	prev, next, err = BorrowPair(make([]byte, 16), make([]byte, 16), 4, 4)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, CheckPair(prev, next), test.ShouldBeNil)
	test.That(t, ClosePair(prev, next), test.ShouldBeNil)
	test.That(t, CheckPair(prev, next), test.ShouldNotBeNil)
}

func TestCheckPairSize(t *testing.T) {
	a, err := Borrow(make([]byte, 16), 4, 4)
	test.That(t, err, test.ShouldBeNil)
	defer a.Close()
	b, err := Borrow(make([]byte, 16), 8, 2)
	test.That(t, err, test.ShouldBeNil)
	defer b.Close()

	test.That(t, errors.Is(CheckPair(a, b), ErrSizeMismatch), test.ShouldBeTrue)
}

func TestFromImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(10, 10, 13, 12))
	img.Set(10, 10, color.White)
	img.Set(12, 11, color.RGBA{R: 255, A: 255})

	f, err := FromImage(img)
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()

	test.That(t, f.Size(), test.ShouldResemble, image.Pt(3, 2))
	test.That(t, int(f.Pix()[0]), test.ShouldEqual, 255)
	test.That(t, int(f.Pix()[1]), test.ShouldEqual, 0)
	test.That(t, int(f.Pix()[5]), test.ShouldBeBetween, 70, 80)

	_, err = FromImage(nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestFromImageRowCropped(t *testing.T) {
	parent := image.NewGray(image.Rect(0, 0, 8, 6))
	for i := range parent.Pix {
		parent.Pix[i] = byte(i)
	}
	cropped := parent.SubImage(image.Rect(0, 0, 8, 4)).(*image.Gray)
	test.That(t, len(cropped.Pix), test.ShouldEqual, 48)

	f, err := FromImage(cropped)
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()

	test.That(t, f.Size(), test.ShouldResemble, image.Pt(8, 4))
	test.That(t, len(f.Pix()), test.ShouldEqual, 32)
	test.That(t, int(f.Pix()[31]), test.ShouldEqual, 31)
}
