package render

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Banner is a rendered text strip and where it sits in the frame.
type Banner struct {
	Path string
	Y    int
}

// Banners are the two text overlays of a scene. Name is composited last so it
// sits above Price.
type Banners struct {
	Name  Banner
	Price Banner
}

// BannerRenderer draws overlay PNGs offline so every scene reuses identical
// pixels for identical text.
type BannerRenderer struct {
	font     *opentype.Font
	profile  Profile
	printer  *message.Printer
	currency currency.Unit
}

// NewBannerRenderer parses the embedded Go Bold face. defaultCurrency is an
// ISO 4217 code used when a product carries none.
func NewBannerRenderer(p Profile, lang language.Tag, defaultCurrency string) (*BannerRenderer, error) {
	f, err := opentype.Parse(gobold.TTF)
	if err != nil {
		return nil, fmt.Errorf("failed to parse banner font: %w", err)
	}
	unit, err := currency.ParseISO(defaultCurrency)
	if err != nil {
		return nil, fmt.Errorf("invalid currency %q: %w", defaultCurrency, err)
	}
	return &BannerRenderer{
		font:     f,
		profile:  p,
		printer:  message.NewPrinter(lang),
		currency: unit,
	}, nil
}

// FormatPrice renders amount with the currency symbol for code, falling back
// to the renderer's default currency.
func (r *BannerRenderer) FormatPrice(amount float64, code string) string {
	unit := r.currency
	if code != "" {
		if u, err := currency.ParseISO(code); err == nil {
			unit = u
		}
	}
	return r.printer.Sprint(currency.Symbol(unit.Amount(amount)))
}

// WriteBanners draws the name and price strips into ts.
func (r *BannerRenderer) WriteBanners(ts *TempSet, title string, price float64, code string) (Banners, error) {
	name, err := r.draw(title, r.profile.BannerFontSize, color.RGBA{0, 0, 0, 160}, color.White)
	if err != nil {
		return Banners{}, err
	}
	priceImg, err := r.draw(r.FormatPrice(price, code), r.profile.BannerFontSize*0.85, color.RGBA{230, 57, 70, 230}, color.White)
	if err != nil {
		return Banners{}, err
	}

	namePath, err := writePNG(ts, "banner_name.png", name)
	if err != nil {
		return Banners{}, err
	}
	pricePath, err := writePNG(ts, "banner_price.png", priceImg)
	if err != nil {
		return Banners{}, err
	}

	nameY := r.profile.Height * 70 / 100
	return Banners{
		Name:  Banner{Path: namePath, Y: nameY},
		Price: Banner{Path: pricePath, Y: nameY + name.Bounds().Dy() + r.profile.Height/80},
	}, nil
}

// draw renders text centred on a full-width strip.
func (r *BannerRenderer) draw(text string, size float64, bg, fg color.Color) (*image.RGBA, error) {
	face, err := opentype.NewFace(r.font, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create font face: %w", err)
	}
	defer face.Close()

	width := r.profile.Width
	padX := width / 18
	text = fitText(face, strings.TrimSpace(text), fixed.I(width-2*padX))

	metrics := face.Metrics()
	textH := (metrics.Ascent + metrics.Descent).Ceil()
	height := textH + textH/2

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)

	d := &font.Drawer{Dst: img, Src: image.NewUniform(fg), Face: face}
	textW := d.MeasureString(text)
	d.Dot = fixed.Point26_6{
		X: (fixed.I(width) - textW) / 2,
		Y: fixed.I((height-textH)/2) + metrics.Ascent,
	}
	d.DrawString(text)
	return img, nil
}

// fitText shortens text with an ellipsis until it fits limit.
func fitText(face font.Face, text string, limit fixed.Int26_6) string {
	if font.MeasureString(face, text) <= limit {
		return text
	}
	runes := []rune(text)
	for len(runes) > 0 {
		runes = runes[:len(runes)-1]
		candidate := strings.TrimSpace(string(runes)) + "…"
		if font.MeasureString(face, candidate) <= limit {
			return candidate
		}
	}
	return ""
}

// WriteGradient writes a vertical two-colour gradient whose colours derive
// from seed, so the same product always gets the same backdrop.
func WriteGradient(ts *TempSet, name string, width, height int, seed string) (string, error) {
	return writePNG(ts, name, Gradient(width, height, seed))
}

func Gradient(width, height int, seed string) *image.RGBA {
	h := fnv.New32a()
	h.Write([]byte(seed))
	sum := h.Sum32()

	top := color.RGBA{R: uint8(sum >> 24), G: uint8(sum >> 16), B: uint8(sum >> 8), A: 255}
	bottom := color.RGBA{R: top.R / 4, G: top.G / 4, B: top.B / 4, A: 255}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	span := height - 1
	if span < 1 {
		span = 1
	}
	for y := 0; y < height; y++ {
		c := color.RGBA{
			R: lerp(top.R, bottom.R, y, span),
			G: lerp(top.G, bottom.G, y, span),
			B: lerp(top.B, bottom.B, y, span),
			A: 255,
		}
		draw.Draw(img, image.Rect(0, y, width, y+1), image.NewUniform(c), image.Point{}, draw.Src)
	}
	return img
}

func lerp(a, b uint8, y, span int) uint8 {
	return uint8(int(a) + (int(b)-int(a))*y/span)
}

func writePNG(ts *TempSet, name string, img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return ts.Write(name, buf.Bytes())
}
