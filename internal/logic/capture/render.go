package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/cjeanneret/SerCam/internal/logic/geometry"
	"golang.org/x/image/draw"
)

// Decoder turns a frame payload into an image.
type Decoder interface {
	Decode(data []byte) (image.Image, error)
}

// JPEGDecoder decodes baseline JPEG payloads as sent by the sensor.
type JPEGDecoder struct{}

func (JPEGDecoder) Decode(data []byte) (image.Image, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode jpeg: %w", err)
	}
	return img, nil
}

// Render scales src into area of dst according to mode and returns the
// rectangle drawn. Pixels outside dst are clipped.
func Render(dst draw.Image, area image.Rectangle, src image.Image, mode geometry.FitMode) image.Rectangle {
	sb := src.Bounds()
	target := geometry.Fit(sb.Size(), area, mode)
	if target.Empty() {
		return target
	}
	draw.ApproxBiLinear.Scale(dst, target, src, sb, draw.Src, nil)
	return target
}
