package render

import (
	"image/color"
	"image/png"
	"os"
	"strings"
	"testing"

	"golang.org/x/text/language"
)

func TestWriteBanners(t *testing.T) {
	p := DefaultProfile()
	r, err := NewBannerRenderer(p, language.English, "USD")
	if err != nil {
		t.Fatalf("NewBannerRenderer: %v", err)
	}
	ts, err := NewTempSet(t.TempDir(), "banners")
	if err != nil {
		t.Fatal(err)
	}
	defer ts.Cleanup()

	title := "Handmade Rattan Laundry Basket With Lid And Extra Long Product Name"
	b, err := r.WriteBanners(ts, title, 249.5, "")
	if err != nil {
		t.Fatalf("WriteBanners: %v", err)
	}

	for _, path := range []string{b.Name.Path, b.Price.Path} {
		f, err := os.Open(path)
		if err != nil {
			t.Fatalf("open %s: %v", path, err)
		}
		img, err := png.Decode(f)
		f.Close()
		if err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
		if img.Bounds().Dx() != p.Width {
			t.Errorf("%s: expected width %d, got %d", path, p.Width, img.Bounds().Dx())
		}
	}
	if b.Price.Y <= b.Name.Y {
		t.Errorf("price banner (y=%d) should sit below name (y=%d)", b.Price.Y, b.Name.Y)
	}
}

func TestBannersAreStable(t *testing.T) {
	r, err := NewBannerRenderer(DefaultProfile(), language.English, "USD")
	if err != nil {
		t.Fatal(err)
	}
	a, err := r.draw("Kopi Susu", 64, color.Black, color.White)
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.draw("Kopi Susu", 64, color.Black, color.White)
	if err != nil {
		t.Fatal(err)
	}
	if string(a.Pix) != string(b.Pix) {
		t.Error("same text should produce identical pixels")
	}
}

func TestFormatPrice(t *testing.T) {
	r, err := NewBannerRenderer(DefaultProfile(), language.English, "USD")
	if err != nil {
		t.Fatal(err)
	}
	if got := r.FormatPrice(19.99, ""); !strings.Contains(got, "$") || !strings.Contains(got, "19") {
		t.Errorf("unexpected default price %q", got)
	}
	if got := r.FormatPrice(19.99, "not-a-code"); !strings.Contains(got, "$") {
		t.Errorf("invalid code should fall back to default currency, got %q", got)
	}
	if got := r.FormatPrice(25, "EUR"); !strings.Contains(got, "€") {
		t.Errorf("expected euro symbol, got %q", got)
	}

	if _, err := NewBannerRenderer(DefaultProfile(), language.English, "XX"); err == nil {
		t.Error("expected error for invalid default currency")
	}
}

func TestGradientDeterministic(t *testing.T) {
	a := Gradient(8, 16, "Kopi Susu Gula Aren")
	b := Gradient(8, 16, "Kopi Susu Gula Aren")
	if string(a.Pix) != string(b.Pix) {
		t.Error("same seed should produce identical gradients")
	}
	top, bottom := a.RGBAAt(0, 0), a.RGBAAt(0, 15)
	if top.A != 255 || bottom.A != 255 {
		t.Error("gradient must be opaque")
	}
	if int(bottom.R) > int(top.R) || int(bottom.G) > int(top.G) || int(bottom.B) > int(top.B) {
		t.Errorf("gradient should darken downwards: top=%v bottom=%v", top, bottom)
	}
}
