package render

import (
	"reflect"
	"strings"
	"testing"
)

func testBanners() Banners {
	return Banners{
		Name:  Banner{Path: "/tmp/name.png", Y: 1344},
		Price: Banner{Path: "/tmp/price.png", Y: 1450},
	}
}

func indexOf(args []string, v string) int {
	for i, a := range args {
		if a == v {
			return i
		}
	}
	return -1
}

func TestSceneGraph(t *testing.T) {
	p := DefaultProfile()
	in := SceneInput{
		Image:    "/tmp/img.jpg",
		Audio:    "/tmp/a.mp3",
		Banners:  testBanners(),
		Motion:   descriptor(EffectZoomIn, 4),
		Duration: 4,
	}
	g := sceneGraph(p, in)

	want := []OpKind{OpScaleCrop, OpMotion, OpOverlay, OpOverlay, OpTrim, OpMuxAudio, OpTrim}
	if got := g.Ops(); !reflect.DeepEqual(got, want) {
		t.Fatalf("ops = %v, want %v", got, want)
	}

	args := g.Args()
	inputs := []string{"/tmp/img.jpg", "/tmp/a.mp3", "/tmp/name.png", "/tmp/price.png"}
	for i, path := range inputs {
		idx := indexOf(args, path)
		if idx < 1 || args[idx-1] != "-i" {
			t.Fatalf("input %d (%s) not registered: %v", i, path, args)
		}
	}

	fc := g.FilterComplex()
	if !strings.Contains(fc, "[0:v]scale=2160:3840") {
		t.Errorf("expected supersampled scale-crop, got %s", fc)
	}
	if !strings.Contains(fc, "d=120:s=1080x1920:fps=30") {
		t.Errorf("expected 120 frames at output size, got %s", fc)
	}
	price := strings.Index(fc, "[3:v]overlay")
	name := strings.Index(fc, "[2:v]overlay")
	if price < 0 || name < 0 || name < price {
		t.Errorf("name banner must be composited after price: %s", fc)
	}
	if !strings.Contains(fc, "y=1344") || !strings.Contains(fc, "y=1450") {
		t.Errorf("banner positions missing: %s", fc)
	}
	if !strings.Contains(fc, "[1:a]aresample=44100,apad=whole_dur=4[padded]") {
		t.Errorf("audio mux missing: %s", fc)
	}

	if i := indexOf(args, "-t"); i < 0 || args[i+1] != "4" {
		t.Errorf("expected -t 4, got %v", args)
	}
	if indexOf(args, "[v]") < 0 || indexOf(args, "[a]") < 0 {
		t.Errorf("expected mapped [v] and [a], got %v", args)
	}
}

func TestLayeredSceneGraph(t *testing.T) {
	p := DefaultProfile()
	in := LayeredSceneInput{
		Background: "/tmp/bg.png",
		Foreground: "/tmp/fg.png",
		Audio:      "/tmp/a.mp3",
		Banners:    testBanners(),
		Motion:     descriptor(EffectPanLeft, 5),
		Duration:   5,
	}
	g := layeredSceneGraph(p, in)

	want := []OpKind{OpScaleCrop, OpScaleCrop, OpOverlay, OpMotion, OpOverlay, OpOverlay, OpTrim, OpMuxAudio, OpTrim}
	if got := g.Ops(); !reflect.DeepEqual(got, want) {
		t.Fatalf("ops = %v, want %v", got, want)
	}

	fc := g.FilterComplex()
	// 70% of the supersampled 3840px height
	if !strings.Contains(fc, "[1:v]scale=-2:2688") {
		t.Errorf("foreground not scaled to 70%% height: %s", fc)
	}
	if !strings.Contains(fc, "[bg][fg]overlay=x=(W-w)/2:y=(H-h)/2") {
		t.Errorf("foreground not centred: %s", fc)
	}
	composite := strings.Index(fc, "[bg][fg]overlay")
	motion := strings.Index(fc, "zoompan")
	if composite > motion {
		t.Error("layers must be composited before motion")
	}
	if !strings.Contains(fc, "[2:a]aresample") {
		t.Errorf("audio should be input 2 in layered scenes: %s", fc)
	}
}

func TestVideoSceneGraphHoldsLastFrame(t *testing.T) {
	g := videoSceneGraph(DefaultProfile(), VideoSceneInput{
		Video: "/tmp/motion.mp4", Audio: "/tmp/a.mp3", Banners: testBanners(), Duration: 7.5,
	})
	fc := g.FilterComplex()
	if !strings.Contains(fc, "tpad=stop_mode=clone:stop_duration=7.5,trim=duration=7.5") {
		t.Errorf("expected frame hold then trim: %s", fc)
	}
}

func TestMotionExpressions(t *testing.T) {
	tests := []struct {
		kind EffectKind
		z, x string
	}{
		{EffectZoomIn, "1+0.3*(on/119)", "(iw-iw/zoom)/2"},
		{EffectZoomOut, "1.3-0.3*(on/119)", "(iw-iw/zoom)/2"},
		{EffectPanLeft, "1.2", "(iw-iw/zoom)/2+(90-180*(on/119))*2"},
		{EffectPanRight, "1.2", "(iw-iw/zoom)/2+(-90+180*(on/119))*2"},
		{EffectZoomPanLeft, "1+0.25*(on/119)", "(iw-iw/zoom)/2-min(120*(on/119),540*(1-1/zoom))*2"},
		{EffectZoomPanRight, "1+0.25*(on/119)", "(iw-iw/zoom)/2+min(120*(on/119),540*(1-1/zoom))*2"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			z, x := descriptor(tt.kind, 4).zoompanExprs(2)
			if z != tt.z {
				t.Errorf("z = %q, want %q", z, tt.z)
			}
			if x != tt.x {
				t.Errorf("x = %q, want %q", x, tt.x)
			}
		})
	}
}
