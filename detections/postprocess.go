package detections

import (
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"

	"github.com/jackfruit-vision/ripeness/models"
)

// outputLayout describes a YOLOv8 style output tensor of shape [1, 4+classes, anchors].
// Box rows are centre x, centre y, width, height in input tensor pixels.
type outputLayout struct {
	Classes     int
	Anchors     int
	InputWidth  int
	InputHeight int
}

func (l outputLayout) size() int {
	return (4 + l.Classes) * l.Anchors
}

func processPredictions(predictions []float32, layout outputLayout, originalWidth, originalHeight int, confThreshold, iouThreshold float32) ([]models.Detection, error) {
	if len(predictions) != layout.size() {
		return nil, fmt.Errorf("unexpected predictions length: got %d, want %d", len(predictions), layout.size())
	}

	const chunkSize = 512
	numChunks := (layout.Anchors + chunkSize - 1) / chunkSize
	chunks := make([][]models.Detection, numChunks)
	numWorkers := min(runtime.NumCPU(), numChunks)
	jobs := make(chan int, numChunks)

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chunk := range jobs {
				start := chunk * chunkSize
				end := min(start+chunkSize, layout.Anchors)
				var local []models.Detection
				for i := start; i < end; i++ {
					class, confidence := bestClass(predictions, layout, i)
					if confidence < confThreshold {
						continue
					}
					bbox := calculateBBox(
						[4]float32{
							predictions[i],
							predictions[layout.Anchors+i],
							predictions[2*layout.Anchors+i],
							predictions[3*layout.Anchors+i],
						},
						layout,
						float32(originalWidth),
						float32(originalHeight),
					)
					local = append(local, models.Detection{
						Class:      class,
						Confidence: confidence,
						BBox:       bbox,
					})
				}
				chunks[chunk] = local
			}
		}()
	}

	for i := 0; i < numChunks; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	var detections []models.Detection
	for _, c := range chunks {
		detections = append(detections, c...)
	}

	sortDetectionsByConfidence(detections)
	detections = nonMaxSuppression(detections, iouThreshold)
	if len(detections) > MaxDetections {
		detections = detections[:MaxDetections]
	}
	return detections, nil
}

func bestClass(predictions []float32, layout outputLayout, anchor int) (int, float32) {
	best := -1
	var bestScore float32 = -1
	for c := 0; c < layout.Classes; c++ {
		score := predictions[(4+c)*layout.Anchors+anchor]
		if score > bestScore {
			best = c
			bestScore = score
		}
	}
	return best, bestScore
}

func calculateBBox(coords [4]float32, layout outputLayout, origWidth, origHeight float32) [4]int32 {
	scaleX := origWidth / float32(layout.InputWidth)
	scaleY := origHeight / float32(layout.InputHeight)

	centerX, centerY := coords[0], coords[1]
	width, height := coords[2], coords[3]

	x1 := (centerX - width/2) * scaleX
	y1 := (centerY - height/2) * scaleY
	x2 := (centerX + width/2) * scaleX
	y2 := (centerY + height/2) * scaleY

	return [4]int32{
		int32(max(0, x1)),
		int32(max(0, y1)),
		int32(min(origWidth, x2)),
		int32(min(origHeight, y2)),
	}
}

// sortDetectionsByConfidence sorts highest first. Equal scores keep their anchor order.
func sortDetectionsByConfidence(detections []models.Detection) {
	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Confidence > detections[j].Confidence
	})
}

// nonMaxSuppression expects detections sorted by confidence, and keeps the
// strongest box out of every group of same-class boxes overlapping by more than iouThreshold.
func nonMaxSuppression(detections []models.Detection, iouThreshold float32) []models.Detection {
	kept := make([]models.Detection, 0, len(detections))
	suppressed := make([]bool, len(detections))
	for i := range detections {
		if suppressed[i] {
			continue
		}
		kept = append(kept, detections[i])
		for j := i + 1; j < len(detections); j++ {
			if suppressed[j] || detections[j].Class != detections[i].Class {
				continue
			}
			if calculateIOU(detections[i].BBox, detections[j].BBox) > float64(iouThreshold) {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func calculateIOU(box1, box2 [4]int32) float64 {
	x1 := math.Max(float64(box1[0]), float64(box2[0]))
	y1 := math.Max(float64(box1[1]), float64(box2[1]))
	x2 := math.Min(float64(box1[2]), float64(box2[2]))
	y2 := math.Min(float64(box1[3]), float64(box2[3]))

	if x2 <= x1 || y2 <= y1 {
		return 0.0
	}

	intersection := (x2 - x1) * (y2 - y1)
	area1 := float64(box1[2]-box1[0]) * float64(box1[3]-box1[1])
	area2 := float64(box2[2]-box2[0]) * float64(box2[3]-box2[1])
	union := area1 + area2 - intersection
	if union <= 0 {
		return 0.0
	}

	return intersection / union
}
