package detections

const (
	DefaultInputWidth  = 640
	DefaultInputHeight = 640
	ConfThreshold      = 0.25
	IouThreshold       = 0.45
	MaxDetections      = 300
)
