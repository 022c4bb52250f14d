package registry

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/jackfruit-vision/ripeness/detections"
	"github.com/jackfruit-vision/ripeness/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDetector struct {
	closed atomic.Bool
}

func (s *stubDetector) Detect(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]models.Detection, error) {
	return nil, nil
}
func (s *stubDetector) Labels() []string { return []string{"unripe", "ripe"} }
func (s *stubDetector) Close()           { s.closed.Store(true) }

var testSpecs = []ModelSpec{
	{ID: "YOLOv8n", Path: "models/jackfruit_yolov8n.onnx"},
	{ID: "YOLOv8s", Path: "models/jackfruit_yolov8s.onnx"},
}

func countingLoader(loads *atomic.Int32, delay time.Duration) Loader {
	return func(ctx context.Context, spec ModelSpec) (detections.Detector, error) {
		loads.Add(1)
		time.Sleep(delay)
		return &stubDetector{}, nil
	}
}

func TestResolveCachesHandle(t *testing.T) {
	var loads atomic.Int32
	r, err := New(logs.NewTestingLog(t), testSpecs, "YOLOv8s", countingLoader(&loads, 0))
	require.NoError(t, err)
	before := time.Now()

	a, err := r.Resolve(context.Background(), "YOLOv8n")
	require.NoError(t, err)
	b, err := r.Resolve(context.Background(), "YOLOv8n")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Same(t, a.Detector, b.Detector)
	assert.Equal(t, int32(1), loads.Load())
	assert.Equal(t, []string{"YOLOv8n"}, r.Loaded())

	handles := r.Handles()
	require.Len(t, handles, 1)
	assert.Same(t, a, handles[0])
	assert.False(t, a.LoadedAt.Before(before))
	assert.GreaterOrEqual(t, a.LoadTime, time.Duration(0))
}

func TestResolveUnknownDoesNotLoad(t *testing.T) {
	var loads atomic.Int32
	r, err := New(logs.NewTestingLog(t), testSpecs, "YOLOv8s", countingLoader(&loads, 0))
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "YOLOv9x")
	var unknown *UnknownModelError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "YOLOv9x", unknown.ID)
	assert.Equal(t, []string{"YOLOv8n", "YOLOv8s"}, unknown.Known)
	assert.Equal(t, int32(0), loads.Load())
	assert.Empty(t, r.Handles())
}

func TestResolveConcurrentFirstUseLoadsOnce(t *testing.T) {
	var loads atomic.Int32
	r, err := New(logs.NewTestingLog(t), testSpecs, "YOLOv8s", countingLoader(&loads, 50*time.Millisecond))
	require.NoError(t, err)

	const n = 16
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := r.Resolve(context.Background(), "YOLOv8s")
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), loads.Load())
	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
}

func TestResolveLoadFailureIsNotCached(t *testing.T) {
	attempts := 0
	loader := func(ctx context.Context, spec ModelSpec) (detections.Detector, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("file not found")
		}
		return &stubDetector{}, nil
	}
	r, err := New(logs.NewTestingLog(t), testSpecs, "YOLOv8s", loader)
	require.NoError(t, err)

	var observed []error
	r.SetLoadObserver(func(id string, elapsed time.Duration, err error) {
		observed = append(observed, err)
	})

	_, err = r.Resolve(context.Background(), "YOLOv8s")
	assert.ErrorContains(t, err, "file not found")
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "YOLOv8s", loadErr.ID)
	assert.Empty(t, r.Loaded())

	_, err = r.Resolve(context.Background(), "YOLOv8s")
	assert.NoError(t, err)
	require.Len(t, observed, 2)
	assert.Error(t, observed[0])
	assert.NoError(t, observed[1])
}

func TestResolveCallerCancelDoesNotAbortLoad(t *testing.T) {
	var loads atomic.Int32
	r, err := New(logs.NewTestingLog(t), testSpecs, "YOLOv8s", countingLoader(&loads, 50*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err = r.Resolve(ctx, "YOLOv8s")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	h, err := r.Resolve(context.Background(), "YOLOv8s")
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, int32(1), loads.Load())
}

func TestNewValidatesConfig(t *testing.T) {
	var loads atomic.Int32
	_, err := New(logs.NewTestingLog(t), nil, "x", countingLoader(&loads, 0))
	assert.Error(t, err)

	_, err = New(logs.NewTestingLog(t), testSpecs, "YOLOv8m", countingLoader(&loads, 0))
	assert.Error(t, err)

	_, err = New(logs.NewTestingLog(t), append(testSpecs, testSpecs[0]), "YOLOv8s", countingLoader(&loads, 0))
	assert.Error(t, err)
}

func TestCloseReleasesDetectors(t *testing.T) {
	var loads atomic.Int32
	r, err := New(logs.NewTestingLog(t), testSpecs, "YOLOv8s", countingLoader(&loads, 0))
	require.NoError(t, err)

	h, err := r.Resolve(context.Background(), "YOLOv8s")
	require.NoError(t, err)
	r.Close()

	assert.True(t, h.Detector.(*stubDetector).closed.Load())
	assert.Empty(t, r.Loaded())
}
