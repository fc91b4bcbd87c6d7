// Package render draws explanation artifacts as PNG images.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"

	"github.com/nfnt/resize"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Jet maps v in [0,1] onto the jet colormap.
func Jet(v float64) color.RGBA {
	v = clamp01(v)
	r := clamp01(1.5 - math.Abs(4*v-3))
	g := clamp01(1.5 - math.Abs(4*v-2))
	b := clamp01(1.5 - math.Abs(4*v-1))
	return color.RGBA{R: uint8(r*255 + 0.5), G: uint8(g*255 + 0.5), B: uint8(b*255 + 0.5), A: 255}
}

// HeatmapOverlay upsamples a w*h saliency map to the size of base, colours
// it and blends it over base with the given alpha.
func HeatmapOverlay(base image.Image, heat []float64, w, h int, alpha float64) ([]byte, error) {
	if base == nil {
		return nil, errors.New("no base image")
	}
	if w <= 0 || h <= 0 || len(heat) != w*h {
		return nil, fmt.Errorf("heatmap of %d values does not fit %dx%d", len(heat), w, h)
	}

	small := image.NewGray(image.Rect(0, 0, w, h))
	for i, v := range heat {
		small.Pix[i] = uint8(clamp01(v)*255 + 0.5)
	}

	b := base.Bounds()
	large := resize.Resize(uint(b.Dx()), uint(b.Dy()), small, resize.Bilinear)
	lb := large.Bounds()

	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			lv := color.GrayModel.Convert(large.At(lb.Min.X+x, lb.Min.Y+y)).(color.Gray)
			hc := Jet(float64(lv.Y) / 255)
			br, bg, bb, _ := base.At(b.Min.X+x, b.Min.Y+y).RGBA()
			out.SetRGBA(x, y, color.RGBA{
				R: blend(uint8(br>>8), hc.R, alpha),
				G: blend(uint8(bg>>8), hc.G, alpha),
				B: blend(uint8(bb>>8), hc.B, alpha),
				A: 255,
			})
		}
	}
	return encode(out)
}

const (
	chartWidth  = 520
	labelWidth  = 190
	valueWidth  = 70
	rowHeight   = 22
	chartMargin = 10
	titleHeight = 24
)

var (
	positiveBar = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	negativeBar = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	axisColor   = color.RGBA{R: 90, G: 90, B: 90, A: 255}
)

// AttributionChart draws one horizontal bar per feature, centred on zero.
// Positive values push towards the explained class.
func AttributionChart(names []string, values []float64, title string) ([]byte, error) {
	if len(names) != len(values) || len(names) == 0 {
		return nil, fmt.Errorf("need one value per name, got %d names and %d values", len(names), len(values))
	}

	height := titleHeight + len(names)*rowHeight + 2*chartMargin
	img := image.NewRGBA(image.Rect(0, 0, chartWidth, height))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	drawText(img, chartMargin, chartMargin+12, title, color.Black)

	peak := 0.0
	for _, v := range values {
		peak = math.Max(peak, math.Abs(v))
	}
	plotLeft := labelWidth
	plotRight := chartWidth - valueWidth
	zero := (plotLeft + plotRight) / 2
	half := float64(plotRight-plotLeft) / 2

	top := chartMargin + titleHeight
	for i, name := range names {
		y := top + i*rowHeight
		drawText(img, chartMargin, y+15, name, color.Black)

		length := 0
		if peak > 0 {
			length = int(math.Round(values[i] / peak * half))
		}
		bar := image.Rect(zero, y+4, zero+length, y+rowHeight-4).Canon()
		fill := positiveBar
		if values[i] < 0 {
			fill = negativeBar
		}
		draw.Draw(img, bar, image.NewUniform(fill), image.Point{}, draw.Src)
		drawText(img, plotRight+6, y+15, fmt.Sprintf("%+.3f", values[i]), color.Black)
	}

	axis := image.Rect(zero, top, zero+1, top+len(names)*rowHeight)
	draw.Draw(img, axis, image.NewUniform(axisColor), image.Point{}, draw.Src)

	return encode(img)
}

func drawText(dst draw.Image, x, y int, s string, c color.Color) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

func encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func blend(a, b uint8, alpha float64) uint8 {
	return uint8(math.Round((1-alpha)*float64(a) + alpha*float64(b)))
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
