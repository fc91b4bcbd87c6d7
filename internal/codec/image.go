package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ImageSpec describes the tensor layout an image model was trained on.
type ImageSpec struct {
	Size     int
	Channels int
	Mean     []float32
	Std      []float32
}

func (s ImageSpec) validate() error {
	if s.Size <= 0 {
		return fmt.Errorf("image size must be positive, got %d", s.Size)
	}
	if s.Channels != 1 && s.Channels != 3 {
		return fmt.Errorf("unsupported channel count %d (want 1 or 3)", s.Channels)
	}
	if len(s.Mean) != s.Channels || len(s.Std) != s.Channels {
		return fmt.Errorf("mean/std need %d entries, got %d/%d", s.Channels, len(s.Mean), len(s.Std))
	}
	for _, v := range s.Std {
		if v == 0 {
			return fmt.Errorf("std entries must be non-zero")
		}
	}
	return nil
}

// Shape returns the NCHW tensor shape produced for this spec.
func (s ImageSpec) Shape() []int64 {
	return []int64{1, int64(s.Channels), int64(s.Size), int64(s.Size)}
}

// ImageInput is a decoded upload ready for a forward pass.
type ImageInput struct {
	Tensor []float32
	Shape  []int64
	// Preview is the resized image in the model's channel layout, used as
	// the base layer of explanation overlays.
	Preview image.Image
	Format  string
}

// DecodeImage turns raw upload bytes into a [1,C,H,W] float32 tensor.
func DecodeImage(raw []byte, spec ImageSpec) (*ImageInput, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, &DecodeError{Reason: "empty image payload"}
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, &DecodeError{Reason: "invalid image format", Err: err}
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, &DecodeError{Reason: "image has no pixels"}
	}

	size := uint(spec.Size)
	var resized image.Image
	if spec.Channels == 1 {
		resized = resize.Resize(size, size, toGray(img), resize.Bilinear)
	} else {
		resized = resize.Resize(size, size, toRGBA(img), resize.Bilinear)
	}

	return &ImageInput{
		Tensor:  tensorize(resized, spec),
		Shape:   spec.Shape(),
		Preview: resized,
		Format:  format,
	}, nil
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			g.SetGray(x, y, color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray))
		}
	}
	return g
}

func toRGBA(img image.Image) *image.RGBA {
	if r, ok := img.(*image.RGBA); ok {
		return r
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// tensorize lays pixels out channel-major, scaled to [0,1] and then
// normalised with the per-channel mean/std.
func tensorize(img image.Image, spec ImageSpec) []float32 {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	plane := width * height
	out := make([]float32, spec.Channels*plane)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := y*width + x
			switch px := img.(type) {
			case *image.Gray:
				v := float32(px.Pix[px.PixOffset(b.Min.X+x, b.Min.Y+y)]) / 255.0
				out[idx] = (v - spec.Mean[0]) / spec.Std[0]
			case *image.RGBA:
				off := px.PixOffset(b.Min.X+x, b.Min.Y+y)
				for c := 0; c < spec.Channels; c++ {
					v := float32(px.Pix[off+c]) / 255.0
					out[c*plane+idx] = (v - spec.Mean[c]) / spec.Std[c]
				}
			default:
				r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				if spec.Channels == 1 {
					gray := color.GrayModel.Convert(color.RGBA64{R: uint16(r), G: uint16(g), B: uint16(bl), A: 0xffff}).(color.Gray)
					out[idx] = (float32(gray.Y)/255.0 - spec.Mean[0]) / spec.Std[0]
					continue
				}
				vals := [3]float32{float32(r) / 65535.0, float32(g) / 65535.0, float32(bl) / 65535.0}
				for c := 0; c < 3; c++ {
					out[c*plane+idx] = (vals[c] - spec.Mean[c]) / spec.Std[c]
				}
			}
		}
	}
	return out
}
