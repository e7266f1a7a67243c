package render

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
)

// EffectKind is the camera move applied to a still scene.
type EffectKind string

const (
	EffectZoomIn       EffectKind = "zoom_in"
	EffectZoomOut      EffectKind = "zoom_out"
	EffectPanLeft      EffectKind = "pan_left"
	EffectPanRight     EffectKind = "pan_right"
	EffectZoomPanLeft  EffectKind = "zoom_pan_left"
	EffectZoomPanRight EffectKind = "zoom_pan_right"
)

// EffectKinds is the pool the sequencer draws from.
var EffectKinds = []EffectKind{
	EffectZoomIn,
	EffectZoomOut,
	EffectPanLeft,
	EffectPanRight,
	EffectZoomPanLeft,
	EffectZoomPanRight,
}

// MotionLimits clamp how far a move may zoom or travel.
type MotionLimits struct {
	MaxZoom   float64 // zoom_in / zoom_out end point
	PanZoom   float64 // fixed zoom while panning
	ComboZoom float64 // zoom end point of zoom+pan moves
	MaxPanPx  float64 // horizontal travel cap in output pixels
}

func (p Profile) Limits() MotionLimits {
	return MotionLimits{
		MaxZoom:   p.MaxZoom,
		PanZoom:   p.PanZoom,
		ComboZoom: p.ComboZoom,
		MaxPanPx:  p.MaxPanPx,
	}
}

// MotionDescriptor is one scene's camera move, fully parametrised.
type MotionDescriptor struct {
	Kind     EffectKind
	Duration float64 // seconds
	Width    int
	Height   int
	FPS      int
	Limits   MotionLimits
}

// Transform is the crop window for one frame: Zoom >= 1 and a horizontal
// offset of the window centre from the frame centre, in output pixels.
type Transform struct {
	Zoom    float64
	OffsetX float64
}

// PickKinds draws n effect kinds, never repeating the previous pick.
func PickKinds(rng *rand.Rand, n int) []EffectKind {
	kinds := make([]EffectKind, 0, n)
	candidates := make([]EffectKind, 0, len(EffectKinds))
	var prev EffectKind
	for i := 0; i < n; i++ {
		candidates = candidates[:0]
		for _, k := range EffectKinds {
			if k != prev {
				candidates = append(candidates, k)
			}
		}
		prev = candidates[rng.Intn(len(candidates))]
		kinds = append(kinds, prev)
	}
	return kinds
}

// Sequence builds one descriptor per scene duration using profile p.
func Sequence(rng *rand.Rand, durations []float64, p Profile) []MotionDescriptor {
	kinds := PickKinds(rng, len(durations))
	out := make([]MotionDescriptor, len(durations))
	for i, d := range durations {
		out[i] = MotionDescriptor{
			Kind:     kinds[i],
			Duration: d,
			Width:    p.Width,
			Height:   p.Height,
			FPS:      p.FPS,
			Limits:   p.Limits(),
		}
	}
	return out
}

// TotalFrames is duration x fps, at least one frame.
func (m MotionDescriptor) TotalFrames() int {
	n := int(math.Round(m.Duration * float64(m.FPS)))
	if n < 1 {
		return 1
	}
	return n
}

// span is the denominator of the progress ratio; never zero.
func (m MotionDescriptor) span() int {
	if n := m.TotalFrames() - 1; n > 0 {
		return n
	}
	return 1
}

// panMargin is the largest offset that keeps a window at zoom z inside the frame.
func (m MotionDescriptor) panMargin(z float64) float64 {
	return float64(m.Width) * (1 - 1/z) / 2
}

// At returns the transform for frame (0-based). It depends only on the frame
// index and the descriptor.
func (m MotionDescriptor) At(frame int) Transform {
	total := m.TotalFrames()
	if frame < 0 {
		frame = 0
	}
	if frame > total-1 {
		frame = total - 1
	}
	p := float64(frame) / float64(m.span())
	l := m.Limits

	switch m.Kind {
	case EffectZoomIn:
		return Transform{Zoom: 1 + (l.MaxZoom-1)*p}
	case EffectZoomOut:
		return Transform{Zoom: l.MaxZoom - (l.MaxZoom-1)*p}
	case EffectPanLeft, EffectPanRight:
		margin := math.Min(l.MaxPanPx, m.panMargin(l.PanZoom))
		off := margin - 2*margin*p
		if m.Kind == EffectPanRight {
			off = -off
		}
		return Transform{Zoom: l.PanZoom, OffsetX: off}
	case EffectZoomPanLeft, EffectZoomPanRight:
		z := 1 + (l.ComboZoom-1)*p
		off := math.Min(l.MaxPanPx*p, m.panMargin(z))
		if m.Kind == EffectZoomPanLeft {
			off = -off
		}
		return Transform{Zoom: z, OffsetX: off}
	}
	return Transform{Zoom: 1}
}

// zoompanExprs renders At() as zoompan z and x expressions evaluated on an
// input supersampled by k.
func (m MotionDescriptor) zoompanExprs(k int) (z, x string) {
	l := m.Limits
	prog := fmt.Sprintf("(on/%d)", m.span())
	centre := "(iw-iw/zoom)/2"
	halfW := float64(m.Width) / 2
	ks := strconv.Itoa(k)

	switch m.Kind {
	case EffectZoomIn:
		return fmt.Sprintf("1+%s*%s", num(l.MaxZoom-1), prog), centre
	case EffectZoomOut:
		return fmt.Sprintf("%s-%s*%s", num(l.MaxZoom), num(l.MaxZoom-1), prog), centre
	case EffectPanLeft, EffectPanRight:
		margin := math.Min(l.MaxPanPx, m.panMargin(l.PanZoom))
		sign := "-"
		if m.Kind == EffectPanRight {
			sign = "+"
		}
		start := -margin
		if m.Kind == EffectPanLeft {
			start = margin
		}
		off := fmt.Sprintf("(%s%s%s*%s)", num(start), sign, num(2*margin), prog)
		return num(l.PanZoom), fmt.Sprintf("%s+%s*%s", centre, off, ks)
	case EffectZoomPanLeft, EffectZoomPanRight:
		sign := "+"
		if m.Kind == EffectZoomPanLeft {
			sign = "-"
		}
		off := fmt.Sprintf("min(%s*%s,%s*(1-1/zoom))", num(l.MaxPanPx), prog, num(halfW))
		return fmt.Sprintf("1+%s*%s", num(l.ComboZoom-1), prog), fmt.Sprintf("%s%s%s*%s", centre, sign, off, ks)
	}
	return "1", centre
}

// num formats v for ffmpeg expressions with at most four decimals.
func num(v float64) string {
	s := strconv.FormatFloat(v, 'f', 4, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "-0" {
		return "0"
	}
	return s
}
