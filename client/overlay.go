package client

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/jackfruit-vision/ripeness/render"
)

var (
	overlayText       = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	overlayBackground = color.RGBA{A: 255}
)

func modeName(lowLatency bool) string {
	if lowLatency {
		return "Low Latency"
	}
	return "Normal"
}

// OverlayLines is the telemetry text drawn on each webcam frame.
func OverlayLines(t Telemetry, model string, lowLatency bool) []string {
	return []string{
		fmt.Sprintf("FPS: %.1f", t.FPS),
		fmt.Sprintf("Latency: %.0f ms", t.LatencyMS),
		fmt.Sprintf("Model: %s", model),
		fmt.Sprintf("Mode: %s", modeName(lowLatency)),
	}
}

// Overlay returns a copy of frame with the telemetry text in the top-left corner.
func Overlay(frame image.Image, t Telemetry, model string, lowLatency bool) *image.NRGBA {
	out := imaging.Clone(frame)
	b := out.Bounds()
	scale := max(1, min(b.Dx(), b.Dy())/360)

	y := b.Min.Y + 4*scale
	for _, line := range OverlayLines(t, model, lowLatency) {
		w, h := render.TextSize(line, scale)
		render.Fill(out, image.Rect(b.Min.X+4*scale, y, b.Min.X+6*scale+w, y+h+2*scale), overlayBackground)
		render.Text(out, image.Pt(b.Min.X+5*scale, y+scale), line, overlayText, scale)
		y += h + 4*scale
	}
	return out
}
