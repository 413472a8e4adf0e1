package capture

import (
	"image"
	"image/color"
	"testing"

	"github.com/cjeanneret/SerCam/internal/hw/camera"
	"github.com/cjeanneret/SerCam/internal/logic/geometry"
)

func TestJPEGDecoder_SensorFrame(t *testing.T) {
	data := camera.GradientSource(0, camera.QQVGA)
	img, err := JPEGDecoder{}.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := img.Bounds().Size(); got != image.Pt(160, 120) {
		t.Errorf("decoded size = %v, want 160x120", got)
	}
}

func TestJPEGDecoder_Garbage(t *testing.T) {
	if _, err := (JPEGDecoder{}).Decode(jpegFrame(32)); err == nil {
		t.Error("expected an error for a marker-only payload")
	}
}

func TestRender_ScalesIntoArea(t *testing.T) {
	src, _ := solidDecoder{}.Decode(nil)
	dst := image.NewRGBA(image.Rect(0, 0, 20, 20))

	drawn := Render(dst, image.Rect(2, 2, 10, 8), src, geometry.Stretch)
	if drawn != image.Rect(2, 2, 10, 8) {
		t.Errorf("drawn = %v", drawn)
	}
	if !isRed(dst.RGBAAt(5, 5)) {
		t.Errorf("inside pixel = %v, want red", dst.RGBAAt(5, 5))
	}
	if dst.RGBAAt(15, 15).A != 0 {
		t.Error("outside pixel was drawn")
	}
}

func TestRender_ClipsToDestination(t *testing.T) {
	src, _ := solidDecoder{}.Decode(nil)
	dst := image.NewRGBA(image.Rect(0, 0, 5, 5))

	// Area hangs off the right and bottom edges.
	Render(dst, image.Rect(3, 3, 11, 9), src, geometry.Stretch)
	if dst.RGBAAt(4, 4).A == 0 {
		t.Error("visible part of the area should be drawn")
	}
}

func TestRender_EmptyArea(t *testing.T) {
	src, _ := solidDecoder{}.Decode(nil)
	dst := image.NewRGBA(image.Rect(0, 0, 5, 5))
	if drawn := Render(dst, image.Rectangle{}, src, geometry.Contain); !drawn.Empty() {
		t.Errorf("expected nothing drawn, got %v", drawn)
	}
}

// isRed tolerates the rounding of the bilinear scaler.
func isRed(c color.RGBA) bool {
	return c.R > 0xF0 && c.G < 0x10 && c.B < 0x10 && c.A > 0xF0
}
