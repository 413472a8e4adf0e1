package geometry

import (
	"fmt"
	"image"
	"math"
	"strings"
)

// FitMode selects how a frame is placed into a destination rectangle.
type FitMode int

const (
	// Stretch fills the rectangle, ignoring the aspect ratio.
	Stretch FitMode = iota
	// Contain scales the frame to the largest size that fits inside the
	// rectangle with its aspect ratio kept, centred (letterboxed).
	Contain
)

func (m FitMode) String() string {
	switch m {
	case Stretch:
		return "stretch"
	case Contain:
		return "contain"
	default:
		return fmt.Sprintf("fit(%d)", int(m))
	}
}

// ParseFitMode accepts "stretch" or "contain".
func ParseFitMode(s string) (FitMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "stretch":
		return Stretch, nil
	case "contain":
		return Contain, nil
	default:
		return 0, fmt.Errorf("unknown fit mode %q: expected stretch or contain", s)
	}
}

// Fit returns the part of area a src-sized image is drawn into.
// An empty src or area yields an empty rectangle.
func Fit(src image.Point, area image.Rectangle, mode FitMode) image.Rectangle {
	area = area.Canon()
	if src.X <= 0 || src.Y <= 0 || area.Empty() {
		return image.Rectangle{}
	}
	if mode != Contain {
		return area
	}

	// Scale factor = min(area_w / src_w, area_h / src_h)
	aw, ah := area.Dx(), area.Dy()
	scale := math.Min(float64(aw)/float64(src.X), float64(ah)/float64(src.Y))
	w := int(math.Round(float64(src.X) * scale))
	h := int(math.Round(float64(src.Y) * scale))
	w = max(1, min(w, aw))
	h = max(1, min(h, ah))

	x0 := area.Min.X + (aw-w)/2
	y0 := area.Min.Y + (ah-h)/2
	return image.Rect(x0, y0, x0+w, y0+h)
}
