package detections

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackfruit-vision/ripeness/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDetector struct {
	labels []string
	found  []models.Detection
	err    error
	calls  int
}

func (f *fakeDetector) Detect(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]models.Detection, error) {
	f.calls++
	return f.found, f.err
}

func (f *fakeDetector) Labels() []string { return f.labels }
func (f *fakeDetector) Close()           {}

func solidImage(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func TestInferMapsLabelsAndKeepsOrder(t *testing.T) {
	det := &fakeDetector{
		labels: []string{"unripe", "ripe", "overripe"},
		found: []models.Detection{
			{Class: 2, Confidence: 0.51, BBox: [4]int32{1, 1, 10, 10}},
			{Class: 1, Confidence: 0.8234, BBox: [4]int32{20, 20, 40, 40}},
			{Class: 2, Confidence: 0.51, BBox: [4]int32{1, 1, 10, 10}},
		},
	}
	img := solidImage(64, 48, color.NRGBA{R: 10, G: 20, B: 30, A: 255})

	result, err := Infer(context.Background(), img, det, nil)
	require.NoError(t, err)
	require.Len(t, result.Predictions, 3)

	assert.Equal(t, "overripe", result.Predictions[0].Label)
	assert.Equal(t, "ripe", result.Predictions[1].Label)
	assert.Equal(t, "overripe", result.Predictions[2].Label)
	assert.Equal(t, 0.823, result.Predictions[1].Rounded())
	assert.NotEqual(t, 0.823, result.Predictions[1].Confidence, "stored confidence must stay unrounded")
	assert.Equal(t, img.Bounds(), result.Annotated.Bounds())
	assert.Equal(t, 1, det.calls)
}

func TestInferWrapsDetectorError(t *testing.T) {
	det := &fakeDetector{err: errors.New("boom")}
	_, err := Infer(context.Background(), solidImage(8, 8, color.NRGBA{A: 255}), det, nil)

	var perr *ProcessingError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, err.Error(), "boom")
}

func TestAnnotateDoesNotMutateInput(t *testing.T) {
	img := solidImage(120, 90, color.NRGBA{R: 200, G: 200, B: 200, A: 255})
	before := append([]uint8(nil), img.Pix...)

	out := Annotate(img, []Prediction{{Label: "ripe", Class: 1, Confidence: 0.9, BBox: [4]int32{10, 10, 80, 70}}})

	assert.Equal(t, before, img.Pix)
	assert.NotEqual(t, img.Pix, out.Pix, "annotated copy should carry the overlay")
}

func TestLabelForOutOfRange(t *testing.T) {
	assert.Equal(t, "ripe", LabelFor([]string{"unripe", "ripe"}, 1))
	assert.Equal(t, "class5", LabelFor([]string{"unripe", "ripe"}, 5))
	assert.Equal(t, "class-1", LabelFor(nil, -1))
}

func TestRoundConfidence(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0.8234, 0.823},
		{0.8235, 0.824},
		{float64(float32(0.8234)), 0.823},
		{1, 1},
		{0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RoundConfidence(tt.in), "round(%v)", tt.in)
	}
}

func TestParseNamesMetadata(t *testing.T) {
	names, err := ParseNamesMetadata("{0: 'unripe', 1: 'ripe', 2: \"overripe\"}")
	require.NoError(t, err)
	assert.Equal(t, []string{"unripe", "ripe", "overripe"}, names)

	_, err = ParseNamesMetadata("{0: 'a', 2: 'c'}")
	assert.Error(t, err)

	_, err = ParseNamesMetadata("nothing here")
	assert.Error(t, err)
}

func TestLoadClassFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.txt")
	require.NoError(t, os.WriteFile(path, []byte("unripe\n\n ripe \noverripe\n"), 0644))

	labels, err := LoadClassFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"unripe", "ripe", "overripe"}, labels)
}
