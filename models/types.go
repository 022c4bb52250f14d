package models

import "time"

// Detection is one object found by a detector, in original image pixel coordinates.
type Detection struct {
	Class      int
	Confidence float32
	BBox       [4]int32 // x1, y1, x2, y2
}

type ProcessingTimings struct {
	RequestID   string
	Acquire     time.Duration
	Resolve     time.Duration
	Resize      time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Annotate    time.Duration
	Encode      time.Duration
	Total       time.Duration
}
