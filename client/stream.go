package client

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/jackfruit-vision/ripeness/acquire"
	"github.com/jackfruit-vision/ripeness/logging"
	"github.com/jackfruit-vision/ripeness/metrics"
	"golang.org/x/sync/semaphore"
)

// Sink receives display frames with the telemetry overlay applied.
type Sink interface {
	Publish(img image.Image) error
}

// Frame outcomes, also used as metric labels
const (
	OutcomeAnnotated = "annotated"
	OutcomeFallback  = "fallback"
	OutcomeSkipped   = "skipped"
)

type StreamStats struct {
	Frames    int64
	Annotated int64
	Fallback  int64
	Skipped   int64
	Last      Telemetry
}

// Stream is the webcam loop. Capture never waits for the service: at most one frame
// is in flight, and frames captured meanwhile are dropped. Only processed frames are
// published, so the display advances in capture order at the round trip rate.
type Stream struct {
	log      logs.Log
	source   FrameSource
	proc     *Processor
	sink     Sink
	metrics  *metrics.Metrics
	inflight *semaphore.Weighted

	mu    sync.Mutex
	stats StreamStats
}

// NewStream creates a webcam loop. m may be nil.
func NewStream(log logs.Log, source FrameSource, proc *Processor, sink Sink, m *metrics.Metrics) *Stream {
	return &Stream{
		log:      logging.NewPrefixLogger(log, "stream:"),
		source:   source,
		proc:     proc,
		sink:     sink,
		metrics:  m,
		inflight: semaphore.NewWeighted(1),
	}
}

// Run captures frames until ctx is cancelled or the source ends.
// Inference failures never stop the loop. Run returns after the last in-flight frame is shown.
func (s *Stream) Run(ctx context.Context) error {
	s.proc.Reset()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		frame, err := s.source.Next(ctx)
		if err != nil {
			var decodeErr *acquire.DecodeError
			switch {
			case ctx.Err() != nil || errors.Is(err, io.EOF):
				return nil
			case errors.As(err, &decodeErr):
				s.log.Warnf("Dropping unreadable camera frame: %v", err)
				continue
			default:
				return fmt.Errorf("camera read failed: %w", err)
			}
		}

		if !s.inflight.TryAcquire(1) {
			s.skip()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			// Released only after the frame is shown, so the next frame cannot overtake it
			defer s.inflight.Release(1)
			res := s.proc.Process(ctx, frame)
			outcome := OutcomeAnnotated
			if !res.Annotated {
				outcome = OutcomeFallback
			}
			s.show(res.Display, outcome, res.Telemetry)
		}()
	}
}

// skip counts a frame captured while another was in flight. Nothing is published for it.
func (s *Stream) skip() {
	s.mu.Lock()
	s.stats.Frames++
	s.stats.Skipped++
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.WebcamFrames.WithLabelValues(OutcomeSkipped).Inc()
	}
}

// show overlays the frame's telemetry on img and publishes it.
func (s *Stream) show(img image.Image, outcome string, t Telemetry) {
	s.mu.Lock()
	s.stats.Frames++
	if outcome == OutcomeAnnotated {
		s.stats.Annotated++
	} else {
		s.stats.Fallback++
	}
	s.stats.Last = t
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.WebcamFrames.WithLabelValues(outcome).Inc()
		s.metrics.WebcamLatency.Observe(t.LatencyMS / 1000)
	}

	opts := s.proc.Options()
	if err := s.sink.Publish(Overlay(img, t, opts.Model, opts.LowLatency)); err != nil {
		s.log.Warnf("Failed to publish frame: %v", err)
	}
}

func (s *Stream) Stats() StreamStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Webcam starts and stops a Stream on demand, for the UI.
type Webcam struct {
	log       logs.Log
	newSource func() (FrameSource, error)
	proc      *Processor
	sink      Sink
	metrics   *metrics.Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stream  *Stream
	lastErr error
	started time.Time
}

// NewWebcam creates a controller. newSource is called on every Start; it may be nil when no camera is configured.
func NewWebcam(log logs.Log, newSource func() (FrameSource, error), proc *Processor, sink Sink, m *metrics.Metrics) *Webcam {
	return &Webcam{
		log:       log,
		newSource: newSource,
		proc:      proc,
		sink:      sink,
		metrics:   m,
	}
}

var (
	ErrNoCamera      = errors.New("no camera configured")
	ErrWebcamRunning = errors.New("webcam is already running")
)

// Start opens the camera and runs the loop in the background until Stop.
func (w *Webcam) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done != nil {
		return ErrWebcamRunning
	}
	if w.newSource == nil {
		return ErrNoCamera
	}
	source, err := w.newSource()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	stream := NewStream(w.log, source, w.proc, w.sink, w.metrics)
	w.cancel = cancel
	w.done = done
	w.stream = stream
	w.lastErr = nil
	w.started = time.Now()

	go func() {
		defer close(done)
		err := stream.Run(ctx)
		source.Close()
		if err != nil {
			w.log.Errorf("Webcam stopped: %v", err)
		} else {
			w.log.Infof("Webcam stopped")
		}
		w.mu.Lock()
		w.lastErr = err
		if w.done == done {
			w.cancel()
			w.cancel = nil
			w.done = nil
		}
		w.mu.Unlock()
	}()
	w.log.Infof("Webcam started")
	return nil
}

// Stop cancels the loop and waits for it to finish. Stopping an idle webcam is a no-op.
func (w *Webcam) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel = nil
	w.done = nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

type WebcamStatus struct {
	Running bool
	Since   time.Time
	Stats   StreamStats
	Error   string
}

func (w *Webcam) Status() WebcamStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := WebcamStatus{Running: w.done != nil, Since: w.started}
	if w.stream != nil {
		st.Stats = w.stream.Stats()
	}
	if w.lastErr != nil {
		st.Error = w.lastErr.Error()
	}
	return st
}
