package render

import (
	"math"
	"math/rand"
	"testing"
)

func TestPickKindsNoAdjacentRepeats(t *testing.T) {
	for seed := int64(0); seed < 200; seed++ {
		rng := rand.New(rand.NewSource(seed))
		for n := 2; n <= 40; n++ {
			kinds := PickKinds(rng, n)
			if len(kinds) != n {
				t.Fatalf("seed %d: expected %d kinds, got %d", seed, n, len(kinds))
			}
			for i := 1; i < n; i++ {
				if kinds[i] == kinds[i-1] {
					t.Fatalf("seed %d n %d: repeated %s at %d", seed, n, kinds[i], i)
				}
			}
		}
	}
}

func TestSequenceDeterministic(t *testing.T) {
	durations := []float64{4, 5, 4, 6, 3}
	a := Sequence(rand.New(rand.NewSource(7)), durations, DefaultProfile())
	b := Sequence(rand.New(rand.NewSource(7)), durations, DefaultProfile())

	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("descriptor %d differs: %+v vs %+v", i, a[i], b[i])
		}
		if a[i].Duration != durations[i] {
			t.Errorf("descriptor %d: expected duration %v, got %v", i, durations[i], a[i].Duration)
		}
		if a[i].Width != 1080 || a[i].Height != 1920 || a[i].FPS != 30 {
			t.Errorf("descriptor %d: unexpected frame %dx%d@%d", i, a[i].Width, a[i].Height, a[i].FPS)
		}
	}
	if got := Sequence(rand.New(rand.NewSource(1)), nil, DefaultProfile()); len(got) != 0 {
		t.Errorf("expected empty sequence, got %d", len(got))
	}
}

func TestTotalFrames(t *testing.T) {
	tests := []struct {
		duration float64
		want     int
	}{
		{4, 120},
		{3.5, 105},
		{0.01, 1},
		{0, 1},
	}
	for _, tt := range tests {
		m := MotionDescriptor{Duration: tt.duration, FPS: 30}
		if got := m.TotalFrames(); got != tt.want {
			t.Errorf("TotalFrames(%v) = %d, want %d", tt.duration, got, tt.want)
		}
	}
}

func descriptor(kind EffectKind, duration float64) MotionDescriptor {
	p := DefaultProfile()
	return MotionDescriptor{Kind: kind, Duration: duration, Width: p.Width, Height: p.Height, FPS: p.FPS, Limits: p.Limits()}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestMotionEndpoints(t *testing.T) {
	// defaults: max zoom 1.3, pan zoom 1.2, combo zoom 1.25, pan cap 120px on 1080 wide
	tests := []struct {
		kind        EffectKind
		first, last Transform
	}{
		{EffectZoomIn, Transform{Zoom: 1}, Transform{Zoom: 1.3}},
		{EffectZoomOut, Transform{Zoom: 1.3}, Transform{Zoom: 1}},
		{EffectPanLeft, Transform{Zoom: 1.2, OffsetX: 90}, Transform{Zoom: 1.2, OffsetX: -90}},
		{EffectPanRight, Transform{Zoom: 1.2, OffsetX: -90}, Transform{Zoom: 1.2, OffsetX: 90}},
		{EffectZoomPanLeft, Transform{Zoom: 1}, Transform{Zoom: 1.25, OffsetX: -108}},
		{EffectZoomPanRight, Transform{Zoom: 1}, Transform{Zoom: 1.25, OffsetX: 108}},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			m := descriptor(tt.kind, 4)
			first, last := m.At(0), m.At(m.TotalFrames()-1)
			if !approx(first.Zoom, tt.first.Zoom) || !approx(first.OffsetX, tt.first.OffsetX) {
				t.Errorf("first frame = %+v, want %+v", first, tt.first)
			}
			if !approx(last.Zoom, tt.last.Zoom) || !approx(last.OffsetX, tt.last.OffsetX) {
				t.Errorf("last frame = %+v, want %+v", last, tt.last)
			}
		})
	}
}

func TestMotionStaysInsideFrame(t *testing.T) {
	for _, kind := range EffectKinds {
		m := descriptor(kind, 5)
		for f := 0; f < m.TotalFrames(); f++ {
			tr := m.At(f)
			if tr.Zoom < 1 {
				t.Fatalf("%s frame %d: zoom %v below 1", kind, f, tr.Zoom)
			}
			margin := float64(m.Width) * (1 - 1/tr.Zoom) / 2
			if math.Abs(tr.OffsetX) > margin+1e-9 {
				t.Fatalf("%s frame %d: offset %v exceeds margin %v", kind, f, tr.OffsetX, margin)
			}
			if math.Abs(tr.OffsetX) > m.Limits.MaxPanPx+1e-9 {
				t.Fatalf("%s frame %d: offset %v exceeds pan cap", kind, f, tr.OffsetX)
			}
		}
	}
}

func TestMotionPureFunctionOfFrame(t *testing.T) {
	m := descriptor(EffectZoomPanRight, 4)
	if m.At(37) != m.At(37) {
		t.Fatal("At is not deterministic")
	}
	if m.At(-5) != m.At(0) {
		t.Error("negative frames should clamp to the first frame")
	}
	if m.At(10_000) != m.At(m.TotalFrames()-1) {
		t.Error("frames past the end should clamp to the last frame")
	}

	prev := 0.0
	zoomIn := descriptor(EffectZoomIn, 4)
	for f := 0; f < zoomIn.TotalFrames(); f++ {
		z := zoomIn.At(f).Zoom
		if z < prev {
			t.Fatalf("zoom_in decreased at frame %d", f)
		}
		prev = z
	}
}

func TestSingleFrameDescriptor(t *testing.T) {
	m := descriptor(EffectZoomOut, 0)
	if got := m.At(0); !approx(got.Zoom, 1.3) {
		t.Errorf("single frame zoom_out should start at max zoom, got %v", got.Zoom)
	}
}
