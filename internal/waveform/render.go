package waveform

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"strings"

	"github.com/oszuidwest/auris/internal/util"
)

// Bar geometry.
const (
	minBarHeight   = 2.0
	barHeightRatio = 0.85
)

// Theme holds the colors the renderer paints with.
type Theme struct {
	Played     color.RGBA
	Unplayed   color.RGBA
	Background color.RGBA
}

// ThemeFromHex builds a Theme from #RRGGBB tokens. The background may also be
// #RRGGBB00 for a transparent surface.
func ThemeFromHex(played, unplayed, background string) (Theme, error) {
	p, err := util.ParseHexColor(played)
	if err != nil {
		return Theme{}, fmt.Errorf("played color: %w", err)
	}
	u, err := util.ParseHexColor(unplayed)
	if err != nil {
		return Theme{}, fmt.Errorf("unplayed color: %w", err)
	}

	var bg color.RGBA
	if len(background) == 9 && strings.HasSuffix(background, "00") {
		if _, err := util.ParseHexColor(background[:7]); err != nil {
			return Theme{}, fmt.Errorf("background color: %w", err)
		}
	} else {
		bg, err = util.ParseHexColor(background)
		if err != nil {
			return Theme{}, fmt.Errorf("background color: %w", err)
		}
	}

	return Theme{Played: p, Unplayed: u, Background: bg}, nil
}

// Surface is a drawing target sized in display pixels and scaled by a device
// pixel ratio. The backing buffer is allocated lazily and dropped on resize.
type Surface struct {
	width  int
	height int
	dpr    float64
	img    *image.RGBA
}

// NewSurface creates a surface of width x height display pixels.
func NewSurface(width, height int, dpr float64) *Surface {
	s := &Surface{}
	s.Resize(width, height, dpr)
	return s
}

// Resize changes the display size and invalidates the backing buffer.
func (s *Surface) Resize(width, height int, dpr float64) {
	if dpr <= 0 || math.IsNaN(dpr) {
		dpr = 1
	}
	s.width = max(0, width)
	s.height = max(0, height)
	s.dpr = dpr
	s.img = nil
}

// Width returns the display width.
func (s *Surface) Width() int { return s.width }

// Height returns the display height.
func (s *Surface) Height() int { return s.height }

// Image returns the backing buffer, allocating it at ceil(w*dpr) x ceil(h*dpr)
// when missing.
func (s *Surface) Image() *image.RGBA {
	if s.img == nil {
		w := int(math.Ceil(float64(s.width) * s.dpr))
		h := int(math.Ceil(float64(s.height) * s.dpr))
		s.img = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	return s.img
}

// FrameStats summarizes one painted frame.
type FrameStats struct {
	Bars   int
	Played int
}

// Renderer paints a peak array onto a Surface with a played/unplayed split.
type Renderer struct {
	surface *Surface
	theme   Theme
	peaks   []float64

	// bars caches the resampled peaks for barsWidth.
	bars      []float64
	barsWidth int
}

// NewRenderer creates a renderer drawing onto surface.
func NewRenderer(surface *Surface, theme Theme) *Renderer {
	return &Renderer{surface: surface, theme: theme}
}

// SetPeaks replaces the peak array.
func (r *Renderer) SetPeaks(peaks []float64) {
	r.peaks = peaks
	r.bars = nil
}

// HasPeaks reports whether a peak array is loaded.
func (r *Renderer) HasPeaks() bool { return len(r.peaks) > 0 }

// Surface returns the drawing target.
func (r *Renderer) Surface() *Surface { return r.surface }

// Resize resizes the surface; the next Draw recomputes bars and the buffer.
func (r *Renderer) Resize(width, height int, dpr float64) {
	r.surface.Resize(width, height, dpr)
	r.bars = nil
}

// Draw clears the surface and paints one bar per display pixel column. Bar i
// is painted in the played color when i/bars <= progress.
func (r *Renderer) Draw(progress float64) FrameStats {
	s := r.surface
	img := s.Image()
	draw.Draw(img, img.Bounds(), image.NewUniform(r.theme.Background), image.Point{}, draw.Src)

	if len(r.peaks) == 0 || s.width == 0 || s.height == 0 {
		return FrameStats{}
	}
	if r.bars == nil || r.barsWidth != s.width {
		r.bars = Resample(r.peaks, s.width)
		r.barsWidth = s.width
	}

	progress = clamp01(progress)
	h := float64(s.height)
	centerY := h / 2
	stats := FrameStats{Bars: len(r.bars)}

	for i, v := range r.bars {
		barHeight := max(minBarHeight, v*h*barHeightRatio)
		y := centerY - barHeight/2

		c := r.theme.Unplayed
		if float64(i)/float64(len(r.bars)) <= progress {
			c = r.theme.Played
			stats.Played++
		}

		rect := image.Rect(
			int(math.Floor(float64(i)*s.dpr)),
			int(math.Floor(y*s.dpr)),
			int(math.Ceil(float64(i+1)*s.dpr)),
			int(math.Ceil((y+barHeight)*s.dpr)),
		)
		draw.Draw(img, rect.Intersect(img.Bounds()), image.NewUniform(c), image.Point{}, draw.Src)
	}
	return stats
}

// WritePNG encodes the current surface contents as PNG.
func (r *Renderer) WritePNG(w io.Writer) error {
	if err := png.Encode(w, r.surface.Image()); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	return nil
}

// RenderPNG paints peaks at progress onto a fresh width x height surface and writes it as PNG.
func RenderPNG(w io.Writer, peaks []float64, width, height int, progress float64, theme Theme) error {
	r := NewRenderer(NewSurface(width, height, 1), theme)
	r.SetPeaks(peaks)
	r.Draw(progress)
	return r.WritePNG(w)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return min(1, max(0, v))
}
