package offline

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"

	"github.com/vyvo/hairstyle-transfer/pkg/stage"
)

// hairBand is the share of the reference image height treated as hair.
const hairBand = 0.4

// fuse lays the upper band of the reference over the client portrait.
func fuse(reference, client image.Image) *image.NRGBA {
	b := client.Bounds()
	ref := imaging.Fill(reference, b.Dx(), b.Dy(), imaging.Center, imaging.Lanczos)
	band := imaging.Crop(ref, image.Rect(0, 0, b.Dx(), int(float64(b.Dy())*hairBand)))
	band = imaging.Blur(band, 1.2)
	return imaging.Overlay(imaging.Clone(client), band, image.Pt(0, 0), 0.7)
}

// sketch renders src in one of the supported styles using a colour dodge of
// the blurred negative over the grayscale image.
func sketch(src image.Image, style stage.Style) *image.NRGBA {
	gray := imaging.Grayscale(src)
	blurred := imaging.Blur(imaging.Invert(gray), 6)
	out := dodge(gray, blurred)

	switch style {
	case stage.StyleDetailed:
		out = imaging.Sharpen(out, 1.5)
	case stage.StyleArtistic:
		out = imaging.AdjustContrast(out, 30)
	case stage.StyleColored:
		out = imaging.Overlay(out, imaging.Clone(src), image.Pt(0, 0), 0.3)
	}
	return out
}

func dodge(base, blend *image.NRGBA) *image.NRGBA {
	b := base.Bounds()
	out := image.NewNRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			p := base.NRGBAAt(x, y)
			q := blend.NRGBAAt(x, y)
			v := dodgeChannel(p.R, q.R)
			out.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return out
}

func dodgeChannel(base, blend uint8) uint8 {
	if blend == 255 {
		return 255
	}
	v := int(base) * 255 / (255 - int(blend))
	if v > 255 {
		return 255
	}
	return uint8(v)
}
