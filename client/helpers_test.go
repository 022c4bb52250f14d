package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jackfruit-vision/ripeness/models"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testFrame(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 3), G: uint8(y * 4), B: 120, A: 255})
		}
	}
	return img
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func okResponse(t *testing.T, model string, img image.Image, preds ...models.Prediction) *models.PredictResponse {
	t.Helper()
	if preds == nil {
		preds = []models.Prediction{}
	}
	return &models.PredictResponse{
		ModelUsed:   model,
		Predictions: preds,
		Image:       base64.StdEncoding.EncodeToString(encodeJPEG(t, img)),
	}
}

type predictFunc func(ctx context.Context, req PredictRequest) (*models.PredictResponse, error)

// fakePredictor stands in for the inference service. It applies the timeout the way APIClient does.
type fakePredictor struct {
	mu       sync.Mutex
	fn       predictFunc
	calls    []PredictRequest
	timeouts []time.Duration
}

func (f *fakePredictor) Predict(ctx context.Context, req PredictRequest, timeout time.Duration) (*models.PredictResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.timeouts = append(f.timeouts, timeout)
	fn := f.fn
	f.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx, req)
}

func (f *fakePredictor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakePredictor) lastCall() PredictRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

// hangingPredict never answers before the deadline.
func hangingPredict(ctx context.Context, req PredictRequest) (*models.PredictResponse, error) {
	<-ctx.Done()
	return nil, &TransportError{Cause: ctx.Err()}
}

// sliceSource plays a fixed list of frames, then calls onEnd once and reports io.EOF.
type sliceSource struct {
	mu     sync.Mutex
	frames []image.Image
	onEnd  func()
	closed bool
}

func (s *sliceSource) Next(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		if s.onEnd != nil {
			s.onEnd()
			s.onEnd = nil
		}
		return nil, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

func (s *sliceSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *sliceSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// blockingSource waits for cancellation.
type blockingSource struct{}

func (blockingSource) Next(ctx context.Context) (image.Image, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingSource) Close() error { return nil }

// recordingSink keeps every published frame.
type recordingSink struct {
	mu     sync.Mutex
	frames []image.Image
}

func (s *recordingSink) Publish(img image.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, img)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *recordingSink) snapshot() []image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]image.Image(nil), s.frames...)
}
