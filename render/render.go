// Package render draws boxes and captions onto raster images.
// It is shared by the server side annotator and the webcam telemetry overlay.
package render

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var face = basicfont.Face7x13

// Base glyph metrics of the builtin face, before scaling
const (
	glyphWidth  = 7
	glyphAscent = 11
	lineHeight  = 13
)

var palette = []color.RGBA{
	{R: 255, G: 56, B: 56, A: 255},
	{R: 72, G: 249, B: 10, A: 255},
	{R: 255, G: 157, B: 151, A: 255},
	{R: 255, G: 178, B: 29, A: 255},
	{R: 207, G: 210, B: 49, A: 255},
	{R: 26, G: 147, B: 52, A: 255},
	{R: 0, G: 212, B: 187, A: 255},
	{R: 44, G: 153, B: 168, A: 255},
	{R: 0, G: 194, B: 255, A: 255},
	{R: 52, G: 69, B: 147, A: 255},
}

// ClassColor returns a stable colour for a class id.
func ClassColor(class int) color.RGBA {
	if class < 0 {
		class = -class
	}
	return palette[class%len(palette)]
}

// Fill paints r with a solid colour, clipped to dst.
func Fill(dst draw.Image, r image.Rectangle, c color.Color) {
	r = r.Intersect(dst.Bounds())
	if r.Empty() {
		return
	}
	draw.Draw(dst, r, image.NewUniform(c), image.Point{}, draw.Src)
}

// Rect outlines r with the given line thickness. The outline is drawn inside r.
func Rect(dst draw.Image, r image.Rectangle, c color.Color, thickness int) {
	if thickness < 1 {
		thickness = 1
	}
	r = r.Canon()
	Fill(dst, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness), c)
	Fill(dst, image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y), c)
	Fill(dst, image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y), c)
	Fill(dst, image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y), c)
}

// TextSize returns the pixel size of s at the given integer scale.
func TextSize(s string, scale int) (width, height int) {
	if scale < 1 {
		scale = 1
	}
	return len([]rune(s)) * glyphWidth * scale, lineHeight * scale
}

// Text draws s with its top-left corner at pt.
func Text(dst draw.Image, pt image.Point, s string, c color.Color, scale int) {
	if s == "" {
		return
	}
	if scale < 1 {
		scale = 1
	}
	w, h := TextSize(s, 1)
	mask := image.NewAlpha(image.Rect(0, 0, w, h))
	d := &font.Drawer{
		Dst:  mask,
		Src:  image.Opaque,
		Face: face,
		Dot:  fixed.P(0, glyphAscent),
	}
	d.DrawString(s)

	var scaled image.Image = mask
	if scale > 1 {
		big := image.NewAlpha(image.Rect(0, 0, w*scale, h*scale))
		draw.NearestNeighbor.Scale(big, big.Bounds(), mask, mask.Bounds(), draw.Src, nil)
		scaled = big
	}
	r := image.Rectangle{Min: pt, Max: pt.Add(scaled.Bounds().Size())}
	draw.DrawMask(dst, r, image.NewUniform(c), image.Point{}, scaled, image.Point{}, draw.Over)
}

// Caption draws s on a filled background box whose bottom-left corner sits at pt.
// If the box would leave the top of the image, it is moved below pt instead.
func Caption(dst draw.Image, pt image.Point, s string, fg, bg color.Color, scale int) {
	if scale < 1 {
		scale = 1
	}
	w, h := TextSize(s, scale)
	pad := scale
	top := pt.Y - h - 2*pad
	if top < dst.Bounds().Min.Y {
		top = pt.Y
	}
	box := image.Rect(pt.X, top, pt.X+w+2*pad, top+h+2*pad)
	Fill(dst, box, bg)
	Text(dst, image.Pt(box.Min.X+pad, box.Min.Y+pad), s, fg, scale)
}
