// Package imageproc prepares decoded images for vision encoders.
package imageproc

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

var (
	ImageNetDefaultMean  = [3]float32{0.485, 0.456, 0.406}
	ImageNetDefaultSTD   = [3]float32{0.229, 0.224, 0.225}
	ImageNetStandardMean = [3]float32{0.5, 0.5, 0.5}
	ImageNetStandardSTD  = [3]float32{0.5, 0.5, 0.5}
	ClipDefaultMean      = [3]float32{0.48145466, 0.4578275, 0.40821073}
	ClipDefaultSTD       = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

type ResizeMethod int

const (
	ResizeBilinear ResizeMethod = iota
	ResizeNearestNeighbor
	ResizeApproxBilinear
	ResizeCatmullrom
)

func (m ResizeMethod) kernel() draw.Interpolator {
	switch m {
	case ResizeBilinear:
		return draw.BiLinear
	case ResizeNearestNeighbor:
		return draw.NearestNeighbor
	case ResizeApproxBilinear:
		return draw.ApproxBiLinear
	case ResizeCatmullrom:
		return draw.CatmullRom
	default:
		panic("no resizing method found")
	}
}

// Composite returns an image with the alpha channel removed by drawing over a white background.
func Composite(img image.Image) image.Image {
	return CompositeColor(img, color.RGBA{255, 255, 255, 255})
}

// CompositeColor returns an image with the alpha channel removed by drawing over a background color.
func CompositeColor(img image.Image, color color.Color) image.Image {
	dst := image.NewRGBA(img.Bounds())
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Over)
	return dst
}

// Resize returns an image which has been scaled to a new size.
func Resize(img image.Image, newSize image.Point, method ResizeMethod) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, newSize.X, newSize.Y))
	method.kernel().Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)
	return dst
}

// Pad returns an image which has been resized to fit within a new size,
// preserving aspect ratio, and padded with a color.
func Pad(img image.Image, newSize image.Point, color color.Color, method ResizeMethod) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, newSize.X, newSize.Y))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color}, image.Point{}, draw.Src)

	var minPoint, maxPoint image.Point
	if img.Bounds().Dx() > img.Bounds().Dy() {
		// landscape
		height := newSize.X * img.Bounds().Dy() / img.Bounds().Dx()
		minPoint = image.Point{0, (newSize.Y - height) / 2}
		maxPoint = image.Point{newSize.X, height + minPoint.Y}
	} else {
		// portrait
		width := newSize.Y * img.Bounds().Dx() / img.Bounds().Dy()
		minPoint = image.Point{(newSize.X - width) / 2, 0}
		maxPoint = image.Point{minPoint.X + width, newSize.Y}
	}

	method.kernel().Scale(dst, image.Rectangle{Min: minPoint, Max: maxPoint}, img, img.Bounds(), draw.Over, nil)
	return dst
}

// Normalize returns the image's r, g, b values as float32s, optionally
// rescaled from [0, 255] to [0, 1], then shifted and scaled per channel.
// With channelFirst the result is laid out as all r values, then all g,
// then all b; otherwise channels are interleaved per pixel.
func Normalize(img image.Image, mean, std [3]float32, rescale bool, channelFirst bool) []float32 {
	bounds := img.Bounds()

	normalize := func(c color.Color) (float32, float32, float32) {
		r, g, b, _ := c.RGBA()
		var rVal, gVal, bVal float32
		if rescale {
			rVal = float32(r>>8) / 255.0
			gVal = float32(g>>8) / 255.0
			bVal = float32(b>>8) / 255.0
		}

		rVal = (rVal - mean[0]) / std[0]
		gVal = (gVal - mean[1]) / std[1]
		bVal = (bVal - mean[2]) / std[2]

		return rVal, gVal, bVal
	}

	var pixelVals []float32
	if channelFirst {
		var rVals, gVals, bVals []float32
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				rVal, gVal, bVal := normalize(img.At(x, y))
				rVals = append(rVals, rVal)
				gVals = append(gVals, gVal)
				bVals = append(bVals, bVal)
			}
		}

		pixelVals = append(pixelVals, rVals...)
		pixelVals = append(pixelVals, gVals...)
		pixelVals = append(pixelVals, bVals...)
	} else {
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				rVal, gVal, bVal := normalize(img.At(x, y))
				pixelVals = append(pixelVals, rVal, gVal, bVal)
			}
		}
	}

	return pixelVals
}
