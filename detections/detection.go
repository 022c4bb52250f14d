package detections

import (
	"context"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/disintegration/imaging"
	"github.com/jackfruit-vision/ripeness/models"
	"github.com/jackfruit-vision/ripeness/render"
)

// Detector runs an object detection model over a decoded image.
type Detector interface {
	// Detect returns detections in the order the model produced them.
	Detect(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]models.Detection, error)

	// Labels is the model's own class table, indexed by class id.
	Labels() []string

	Close()
}

type ProcessingError struct {
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Prediction is a detection with its class id resolved to a label.
// Confidence is kept at full precision; use Rounded for display.
type Prediction struct {
	Label      string
	Class      int
	Confidence float64
	BBox       [4]int32
}

func (p Prediction) Rounded() float64 {
	return RoundConfidence(p.Confidence)
}

// RoundConfidence rounds to 3 decimal places.
func RoundConfidence(c float64) float64 {
	return math.Round(c*1000) / 1000
}

type Inference struct {
	Annotated   *image.NRGBA
	Predictions []Prediction
}

// Infer runs det once over img and renders the results onto a copy of img.
func Infer(ctx context.Context, img image.Image, det Detector, timings *models.ProcessingTimings) (*Inference, error) {
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}

	found, err := det.Detect(ctx, img, timings)
	if err != nil {
		return nil, &ProcessingError{Message: "model inference failed", Cause: err}
	}

	labels := det.Labels()
	predictions := make([]Prediction, 0, len(found))
	for _, d := range found {
		predictions = append(predictions, Prediction{
			Label:      LabelFor(labels, d.Class),
			Class:      d.Class,
			Confidence: float64(d.Confidence),
			BBox:       d.BBox,
		})
	}

	annotateStart := time.Now()
	annotated := Annotate(img, predictions)
	timings.Annotate = time.Since(annotateStart)

	return &Inference{
		Annotated:   annotated,
		Predictions: predictions,
	}, nil
}

// LabelFor maps a class id through the model's label table.
// Ids outside the table get a synthetic name rather than failing the request.
func LabelFor(labels []string, class int) string {
	if class >= 0 && class < len(labels) {
		return labels[class]
	}
	return fmt.Sprintf("class%d", class)
}

// Annotate draws boxes and captions onto a copy of img. img is not modified.
func Annotate(img image.Image, predictions []Prediction) *image.NRGBA {
	out := imaging.Clone(img)
	b := out.Bounds()

	shortSide := min(b.Dx(), b.Dy())
	thickness := max(2, shortSide/250)
	scale := max(1, shortSide/400)

	for _, p := range predictions {
		c := render.ClassColor(p.Class)
		box := image.Rect(int(p.BBox[0]), int(p.BBox[1]), int(p.BBox[2]), int(p.BBox[3])).Add(b.Min)
		render.Rect(out, box, c, thickness)
		caption := fmt.Sprintf("%s %.2f", p.Label, p.Confidence)
		render.Caption(out, image.Pt(box.Min.X, box.Min.Y), caption, textColorFor(c), c, scale)
	}
	return out
}
