package display

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"github.com/agsys/plant-controller/internal/models"
)

// Panel geometry
const (
	Width     = 200
	Height    = 200
	PlaneSize = Width * Height / 8

	iconX      = 100
	iconY      = 100
	iconRadius = 40
	ringInner  = 28
)

// Plane is a 1-bit framebuffer, MSB first, rows of Width pixels
type Plane []byte

// NewPlane returns a plane with every byte set to fill
func NewPlane(fill byte) Plane {
	p := make(Plane, PlaneSize)
	for i := range p {
		p[i] = fill
	}
	return p
}

// Set writes bit v at (x, y)
func (p Plane) Set(x, y int, v bool) {
	if x < 0 || x >= Width || y < 0 || y >= Height {
		return
	}
	idx := (x + y*Width) / 8
	mask := byte(0x80 >> uint(x%8))
	if v {
		p[idx] |= mask
	} else {
		p[idx] &^= mask
	}
}

// Get reads the bit at (x, y)
func (p Plane) Get(x, y int) bool {
	if x < 0 || x >= Width || y < 0 || y >= Height {
		return false
	}
	return p[(x+y*Width)/8]&byte(0x80>>uint(x%8)) != 0
}

// fillDisc sets every pixel with inner <= distance < outer to v
func (p Plane) fillDisc(cx, cy, inner, outer int, v bool) {
	for y := cy - outer; y <= cy+outer; y++ {
		for x := cx - outer; x <= cx+outer; x++ {
			d2 := (x-cx)*(x-cx) + (y-cy)*(y-cy)
			if d2 <= outer*outer && d2 >= inner*inner {
				p.Set(x, y, v)
			}
		}
	}
}

// RenderStatus draws the status icon. In the black plane a set bit is
// white; in the red plane a set bit is red. ok is a black disc, warning a
// red ring around a black core, error a red disc.
func RenderStatus(status models.DisplayStatus) (black, red Plane) {
	black = NewPlane(0xFF)
	red = NewPlane(0x00)

	switch status {
	case models.StatusOK:
		black.fillDisc(iconX, iconY, 0, iconRadius, false)
	case models.StatusWarning:
		black.fillDisc(iconX, iconY, 0, ringInner-1, false)
		red.fillDisc(iconX, iconY, ringInner, iconRadius, true)
	default:
		red.fillDisc(iconX, iconY, 0, iconRadius, true)
	}
	return black, red
}

// FilePanel writes each refreshed frame as a PNG, for benches without a
// physical panel
type FilePanel struct {
	Dir string

	black, red Plane
	frames     int
}

// Init implements Panel
func (f *FilePanel) Init() error {
	return os.MkdirAll(f.Dir, 0o755)
}

// Draw implements Panel
func (f *FilePanel) Draw(black, red []byte) error {
	if len(black) != PlaneSize || len(red) != PlaneSize {
		return fmt.Errorf("plane size %d/%d, want %d", len(black), len(red), PlaneSize)
	}
	f.black = append(Plane(nil), black...)
	f.red = append(Plane(nil), red...)
	return nil
}

// Refresh implements Panel
func (f *FilePanel) Refresh() error {
	if f.black == nil {
		return fmt.Errorf("refresh before draw")
	}
	img := image.NewPaletted(image.Rect(0, 0, Width, Height), color.Palette{
		color.White, color.Black, color.RGBA{R: 0xD0, A: 0xFF},
	})
	for y := 0; y < Height; y++ {
		for x := 0; x < Width; x++ {
			switch {
			case f.red.Get(x, y):
				img.SetColorIndex(x, y, 2)
			case !f.black.Get(x, y):
				img.SetColorIndex(x, y, 1)
			}
		}
	}

	f.frames++
	path := filepath.Join(f.Dir, "status.png")
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(out, img); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Sleep implements Panel
func (f *FilePanel) Sleep() error { return nil }

// Frames returns the number of refreshed frames
func (f *FilePanel) Frames() int { return f.frames }
