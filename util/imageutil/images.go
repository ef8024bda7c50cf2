package imageutil

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"gorgonia.org/tensor"
)

// ToRGB returns an opaque 8-bit copy of img anchored at (0, 0). Alpha is dropped, not
// blended, so transparent pixels keep their stored colour.
func ToRGB(img image.Image) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			c.A = 255
			dst.SetNRGBA(x, y, c)
		}
	}
	return dst
}

type PreprocessStep interface {
	Apply(img image.Image) (image.Image, error)
}

type ResizePreprocessor struct {
	targetSize int
}

// ResizeStep scales the image so that its shortest edge equals targetSize.
func ResizeStep(targetSize int) *ResizePreprocessor {
	return &ResizePreprocessor{targetSize: targetSize}
}

func (s *ResizePreprocessor) Apply(img image.Image) (image.Image, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, errors.New("cannot resize an empty image")
	}
	var newW, newH int
	if w < h {
		newW = s.targetSize
		newH = int(float32(h) * float32(s.targetSize) / float32(w))
	} else {
		newH = s.targetSize
		newW = int(float32(w) * float32(s.targetSize) / float32(h))
	}
	return resizeImage(img, newW, newH), nil
}

func CenterCropStep(targetWidth, targetHeight int) *CenterCropPreprocessor {
	return &CenterCropPreprocessor{targetWidth: targetWidth, targetHeight: targetHeight}
}

type CenterCropPreprocessor struct {
	targetWidth  int
	targetHeight int
}

func (s *CenterCropPreprocessor) Apply(img image.Image) (image.Image, error) {
	bounds := img.Bounds()
	if bounds.Dx() < s.targetWidth || bounds.Dy() < s.targetHeight {
		return nil, fmt.Errorf("cannot crop %dx%d out of a %dx%d image", s.targetWidth, s.targetHeight, bounds.Dx(), bounds.Dy())
	}
	x0 := bounds.Min.X + (bounds.Dx()-s.targetWidth)/2
	y0 := bounds.Min.Y + (bounds.Dy()-s.targetHeight)/2
	dst := image.NewNRGBA(image.Rect(0, 0, s.targetWidth, s.targetHeight))
	draw.Draw(dst, dst.Bounds(), img, image.Pt(x0, y0), draw.Src)
	return dst, nil
}

// ExpandToSquarePreprocessor pads the shorter side so the image becomes square,
// keeping the content centred. Used for models trained with the "pad" aspect ratio.
type ExpandToSquarePreprocessor struct {
	background color.Color
}

func ExpandToSquareStep(background color.Color) *ExpandToSquarePreprocessor {
	return &ExpandToSquarePreprocessor{background: background}
}

func (s *ExpandToSquarePreprocessor) Apply(img image.Image) (image.Image, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == h {
		return img, nil
	}
	side := max(w, h)
	dst := image.NewNRGBA(image.Rect(0, 0, side, side))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(s.background), image.Point{}, draw.Src)
	offset := image.Pt((side-w)/2, (side-h)/2)
	draw.Draw(dst, image.Rectangle{Min: offset, Max: offset.Add(image.Pt(w, h))}, img, bounds.Min, draw.Src)
	return dst, nil
}

// MeanColor converts normalisation means in [0, 1] into the matching 8-bit colour,
// the background used when padding images to a square.
func MeanColor(mean [3]float32) color.Color {
	return color.NRGBA{R: uint8(mean[0] * 255), G: uint8(mean[1] * 255), B: uint8(mean[2] * 255), A: 255}
}

type NormalizationStep interface {
	Apply(r, g, b float32) (float32, float32, float32)
}

type PixelNormalizationPreprocessor struct {
	mean [3]float32
	std  [3]float32
}

func (s *PixelNormalizationPreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	r = (r - s.mean[0]) / s.std[0]
	g = (g - s.mean[1]) / s.std[1]
	b = (b - s.mean[2]) / s.std[2]
	return r, g, b
}

func PixelNormalizationStep(mean, std [3]float32) *PixelNormalizationPreprocessor {
	return &PixelNormalizationPreprocessor{mean: mean, std: std}
}

var (
	CLIPMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	CLIPStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

func CLIPPixelNormalizationStep() *PixelNormalizationPreprocessor {
	return PixelNormalizationStep(CLIPMean, CLIPStd)
}

type RescalePreprocessor struct{}

func (s *RescalePreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	scale := float32(1.0 / 255.0)
	return r * scale, g * scale, b * scale
}

func RescaleStep() *RescalePreprocessor {
	return &RescalePreprocessor{}
}

// Processor chains preprocess and normalisation steps and produces an NCHW tensor.
type Processor struct {
	PreprocessSteps    []PreprocessStep
	NormalizationSteps []NormalizationStep
}

// Process returns a float32 tensor of shape (1, 3, H, W).
func (p *Processor) Process(img image.Image) (*tensor.Dense, error) {
	processed := img
	for _, step := range p.PreprocessSteps {
		var err error
		processed, err = step.Apply(processed)
		if err != nil {
			return nil, fmt.Errorf("failed to apply preprocessing step: %w", err)
		}
	}

	bounds := processed.Bounds()
	hh, ww := bounds.Dy(), bounds.Dx()
	plane := hh * ww
	data := make([]float32, 3*plane)
	for y := range hh {
		for x := range ww {
			r, g, b, _ := processed.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			rf := float32(r >> 8)
			gf := float32(g >> 8)
			bf := float32(b >> 8)
			for _, step := range p.NormalizationSteps {
				rf, gf, bf = step.Apply(rf, gf, bf)
			}
			i := y*ww + x
			data[i] = rf
			data[plane+i] = gf
			data[2*plane+i] = bf
		}
	}
	return tensor.New(tensor.WithShape(1, 3, hh, ww), tensor.WithBacking(data)), nil
}

func resizeImage(img image.Image, newW, newH int) image.Image {
	dst := image.NewNRGBA(image.Rect(0, 0, newW, newH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}
