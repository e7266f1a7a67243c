package render

import (
	"fmt"
	"strconv"
	"strings"
)

// OpKind enumerates the operations a scene graph is made of.
type OpKind string

const (
	OpScaleCrop OpKind = "scale_crop"
	OpMotion    OpKind = "motion"
	OpOverlay   OpKind = "overlay"
	OpMuxAudio  OpKind = "mux_audio"
	OpTrim      OpKind = "trim"
)

// Op is one typed node of a filter graph. Filter serialises it to ffmpeg
// filtergraph syntax including its input and output pads.
type Op interface {
	Kind() OpKind
	Filter() string
}

func pad(label string) string { return "[" + label + "]" }

// ScaleCrop fills Width x Height, cropping the overflow around the centre.
// With Width == 0 it only scales to Height, keeping aspect.
type ScaleCrop struct {
	In, Out       string
	Width, Height int
}

func (ScaleCrop) Kind() OpKind { return OpScaleCrop }

func (o ScaleCrop) Filter() string {
	if o.Width == 0 {
		return fmt.Sprintf("%sscale=-2:%d,format=rgba%s", pad(o.In), o.Height, pad(o.Out))
	}
	return fmt.Sprintf("%sscale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,setsar=1%s",
		pad(o.In), o.Width, o.Height, o.Width, o.Height, pad(o.Out))
}

// Motion applies a MotionDescriptor with zoompan. The input is expected at
// Supersample times the output size.
type Motion struct {
	In, Out     string
	Descriptor  MotionDescriptor
	Supersample int
}

func (Motion) Kind() OpKind { return OpMotion }

func (o Motion) Filter() string {
	k := o.Supersample
	if k < 1 {
		k = 1
	}
	d := o.Descriptor
	z, x := d.zoompanExprs(k)
	return fmt.Sprintf("%szoompan=z='%s':x='%s':y='(ih-ih/zoom)/2':d=%d:s=%dx%d:fps=%d,format=yuv420p%s",
		pad(o.In), z, x, d.TotalFrames(), d.Width, d.Height, d.FPS, pad(o.Out))
}

// Overlay composites Top over Base. X and Y are ffmpeg overlay expressions;
// empty means 0.
type Overlay struct {
	Base, Top, Out string
	X, Y           string
}

func (Overlay) Kind() OpKind { return OpOverlay }

func (o Overlay) Filter() string {
	x, y := o.X, o.Y
	if x == "" {
		x = "0"
	}
	if y == "" {
		y = "0"
	}
	return fmt.Sprintf("%s%soverlay=x=%s:y=%s:format=auto%s", pad(o.Base), pad(o.Top), x, y, pad(o.Out))
}

// MuxAudio prepares the narration track: resampled to the profile rate and
// padded with silence up to Duration so short narration still fills the scene.
type MuxAudio struct {
	In, Out    string
	SampleRate int
	Duration   float64
}

func (MuxAudio) Kind() OpKind { return OpMuxAudio }

func (o MuxAudio) Filter() string {
	return fmt.Sprintf("%saresample=%d,apad=whole_dur=%s%s", pad(o.In), o.SampleRate, num(o.Duration), pad(o.Out))
}

// Trim cuts a stream to exactly Duration seconds. Hold first extends a video
// stream by cloning its last frame, for sources shorter than Duration.
type Trim struct {
	In, Out  string
	Duration float64
	Audio    bool
	Hold     bool
}

func (Trim) Kind() OpKind { return OpTrim }

func (o Trim) Filter() string {
	if o.Audio {
		return fmt.Sprintf("%satrim=duration=%s,asetpts=PTS-STARTPTS%s", pad(o.In), num(o.Duration), pad(o.Out))
	}
	hold := ""
	if o.Hold {
		hold = "tpad=stop_mode=clone:stop_duration=" + num(o.Duration) + ","
	}
	return fmt.Sprintf("%s%strim=duration=%s,setpts=PTS-STARTPTS%s", pad(o.In), hold, num(o.Duration), pad(o.Out))
}

// Graph collects inputs, ops and output mappings for one ffmpeg invocation.
type Graph struct {
	inputs   []string
	ops      []Op
	maps     []string
	duration float64
}

func NewGraph() *Graph {
	return &Graph{}
}

// Input registers a file and returns its stream index prefix, e.g. "0".
func (g *Graph) Input(path string) string {
	g.inputs = append(g.inputs, path)
	return strconv.Itoa(len(g.inputs) - 1)
}

func (g *Graph) Apply(ops ...Op) *Graph {
	g.ops = append(g.ops, ops...)
	return g
}

// Map selects graph outputs (labels without brackets) for the output file.
func (g *Graph) Map(labels ...string) *Graph {
	g.maps = append(g.maps, labels...)
	return g
}

// Limit truncates the output file to d seconds.
func (g *Graph) Limit(d float64) *Graph {
	g.duration = d
	return g
}

// Ops returns the kinds in application order.
func (g *Graph) Ops() []OpKind {
	kinds := make([]OpKind, len(g.ops))
	for i, op := range g.ops {
		kinds[i] = op.Kind()
	}
	return kinds
}

func (g *Graph) FilterComplex() string {
	parts := make([]string, len(g.ops))
	for i, op := range g.ops {
		parts[i] = op.Filter()
	}
	return strings.Join(parts, ";")
}

// Args serialises the graph to ffmpeg arguments, without output options or
// the output path.
func (g *Graph) Args() []string {
	var args []string
	for _, in := range g.inputs {
		args = append(args, "-i", in)
	}
	if len(g.ops) > 0 {
		args = append(args, "-filter_complex", g.FilterComplex())
	}
	for _, m := range g.maps {
		args = append(args, "-map", pad(m))
	}
	if g.duration > 0 {
		args = append(args, "-t", num(g.duration))
	}
	return args
}
