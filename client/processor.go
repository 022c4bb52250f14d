package client

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/jackfruit-vision/ripeness/acquire"
	"github.com/jackfruit-vision/ripeness/logging"
	"github.com/jackfruit-vision/ripeness/models"
)

// DefaultWebcamTimeout bounds one frame's round trip. A stalled frame must not hold up the stream.
const DefaultWebcamTimeout = 5 * time.Second

// Telemetry is measured per processed frame.
type Telemetry struct {
	FPS       float64
	LatencyMS float64
}

// FrameResult is what the webcam loop shows for one frame.
type FrameResult struct {
	// Display is the annotated frame from the service, or the frame that was sent if the
	// round trip failed. It has no overlay yet.
	Display     image.Image
	Annotated   bool
	Predictions []models.Prediction
	Telemetry   Telemetry
	Err         error
}

type ProcessorOptions struct {
	Model       string
	LowLatency  bool
	Width       int // Low-Latency Mode resolution
	Height      int
	JpegQuality int
	Timeout     time.Duration
}

// Processor runs the per-frame capture, encode, send, decode cycle of the webcam loop.
// Process is not meant to be called concurrently, but the options may be changed at any time.
type Processor struct {
	log logs.Log
	api Predictor
	now func() time.Time

	mu        sync.Mutex
	opts      ProcessorOptions
	lastFrame time.Time
}

func NewProcessor(log logs.Log, api Predictor, opts ProcessorOptions) *Processor {
	return &Processor{
		log:  logging.NewPrefixLogger(log, "webcam:"),
		api:  api,
		now:  time.Now,
		opts: normalizeOptions(opts),
	}
}

func normalizeOptions(opts ProcessorOptions) ProcessorOptions {
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width = acquire.LowLatencyWidth
		opts.Height = acquire.LowLatencyHeight
	}
	if opts.JpegQuality <= 0 || opts.JpegQuality > 100 {
		opts.JpegQuality = 80
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultWebcamTimeout
	}
	return opts
}

func (p *Processor) Options() ProcessorOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opts
}

func (p *Processor) SetModel(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opts.Model = id
}

func (p *Processor) SetLowLatency(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opts.LowLatency = on
}

// Reset forgets the previous frame time, so the next frame reports 0 fps.
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastFrame = time.Time{}
}

// Prepare applies Low-Latency downsampling, if enabled. The result is the frame that
// will be sent, and shown if the round trip fails.
func (p *Processor) Prepare(frame image.Image) image.Image {
	opts := p.Options()
	if opts.LowLatency {
		return acquire.Downsample(frame, opts.Width, opts.Height)
	}
	return frame
}

// Process sends one frame to the service and returns what should be displayed.
// It never fails: any error falls back to displaying the frame that was sent.
func (p *Processor) Process(ctx context.Context, frame image.Image) FrameResult {
	captureStart := p.now()
	opts := p.Options()

	sent := p.Prepare(frame)
	res := FrameResult{Display: sent}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, sent, &jpeg.Options{Quality: opts.JpegQuality}); err != nil {
		res.Err = err
	} else {
		resp, err := p.api.Predict(ctx, PredictRequest{Model: opts.Model, Upload: buf.Bytes(), Filename: "frame.jpg"}, opts.Timeout)
		if err == nil {
			var annotated image.Image
			annotated, _, err = DecodeImage(resp)
			if err == nil {
				res.Display = annotated
				res.Annotated = true
				res.Predictions = resp.Predictions
			}
		}
		res.Err = err
	}
	if res.Err != nil {
		p.log.Debugf("Showing raw frame: %v", res.Err)
	}

	now := p.now()
	res.Telemetry.LatencyMS = float64(now.Sub(captureStart)) / float64(time.Millisecond)

	p.mu.Lock()
	if !p.lastFrame.IsZero() {
		if dt := now.Sub(p.lastFrame).Seconds(); dt > 0 {
			res.Telemetry.FPS = 1 / dt
		}
	}
	p.lastFrame = now
	p.mu.Unlock()

	return res
}
