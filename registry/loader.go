package registry

import (
	"context"

	"github.com/jackfruit-vision/ripeness/detections"
)

// OnnxLoader loads models with the ONNX Runtime backend.
// The runtime environment must already be initialized.
func OnnxLoader(opts detections.OnnxOptions) Loader {
	return func(ctx context.Context, spec ModelSpec) (detections.Detector, error) {
		return detections.LoadOnnxDetector(spec.Path, spec.Labels, opts)
	}
}
