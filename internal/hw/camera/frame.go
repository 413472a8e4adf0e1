package camera

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Resolution is the image size register value understood by the sensor.
type Resolution byte

const (
	VGA   Resolution = 0x00 // 640x480
	QVGA  Resolution = 0x11 // 320x240
	QQVGA Resolution = 0x22 // 160x120
)

// ParseResolution accepts "vga", "qvga" or "qqvga" (case-insensitive).
func ParseResolution(s string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "vga":
		return VGA, nil
	case "qvga":
		return QVGA, nil
	case "qqvga":
		return QQVGA, nil
	default:
		return 0, fmt.Errorf("unknown resolution %q: expected vga, qvga or qqvga", s)
	}
}

func (r Resolution) String() string {
	switch r {
	case VGA:
		return "vga"
	case QVGA:
		return "qvga"
	case QQVGA:
		return "qqvga"
	default:
		return fmt.Sprintf("resolution(0x%02X)", byte(r))
	}
}

// Size returns the image dimensions in pixels.
func (r Resolution) Size() (width, height int) {
	switch r {
	case VGA:
		return 640, 480
	case QQVGA:
		return 160, 120
	default:
		return 320, 240
	}
}

// JPEG framing markers.
var (
	jpegStart = [2]byte{0xFF, 0xD8}
	jpegEnd   = [2]byte{0xFF, 0xD9}
)

// CheckMarkers verifies that data is exactly size bytes long and framed by
// the JPEG start and end markers. It does not decode the image.
func CheckMarkers(data []byte, size int) error {
	if len(data) != size {
		return fmt.Errorf("%w: buffer holds %d bytes, expected %d", ErrFrameCorrupt, len(data), size)
	}
	if size < 4 {
		return fmt.Errorf("%w: %d bytes is too short for a JPEG", ErrFrameCorrupt, size)
	}
	if data[0] != jpegStart[0] || data[1] != jpegStart[1] {
		return fmt.Errorf("%w: start marker is %02X%02X", ErrFrameCorrupt, data[0], data[1])
	}
	if data[size-2] != jpegEnd[0] || data[size-1] != jpegEnd[1] {
		return fmt.Errorf("%w: end marker is %02X%02X", ErrFrameCorrupt, data[size-2], data[size-1])
	}
	return nil
}

// Frame is a complete JPEG image read from the sensor. A Frame is only
// created after its markers were verified and is not modified afterwards.
type Frame struct {
	ID         uuid.UUID
	Data       []byte
	Resolution Resolution
	CapturedAt time.Time
}

// Size returns the payload length in bytes.
func (f *Frame) Size() int {
	return len(f.Data)
}
