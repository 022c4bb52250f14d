package client

import (
	"bytes"
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/jackfruit-vision/ripeness/logging"
	"github.com/jackfruit-vision/ripeness/models"
)

// DefaultStaticTimeout bounds an analyze request. A person is waiting on it deliberately,
// so it is much longer than the webcam timeout.
const DefaultStaticTimeout = 30 * time.Second

var ErrNoActiveSource = errors.New("please upload an image or enter an image URL first")

type SourceKind string

const (
	SourceNone   SourceKind = ""
	SourceUpload SourceKind = "upload"
	SourceURL    SourceKind = "url"
)

// Result is the stored outcome of a successful analyze.
type Result struct {
	Model       string
	Predictions []models.Prediction
	Image       image.Image
	JPEG        []byte
	At          time.Time
}

// State is a copy of the session, safe to hand to a renderer.
type State struct {
	Model    string
	Source   SourceKind
	Filename string
	URL      string
	Result   *Result
	Error    string
}

// Session holds the static-source flow: one active source, the selected model,
// and the last analysis result. Changing the source discards the result.
type Session struct {
	log     logs.Log
	api     Predictor
	timeout time.Duration

	mu       sync.Mutex
	model    string
	precise  bool
	source   SourceKind
	upload   []byte
	filename string
	url      string
	result   *Result
	lastErr  string
}

func NewSession(log logs.Log, api Predictor, defaultModel string, timeout time.Duration) *Session {
	if timeout <= 0 {
		timeout = DefaultStaticTimeout
	}
	return &Session{
		log:     logging.NewPrefixLogger(log, "session:"),
		api:     api,
		timeout: timeout,
		model:   defaultModel,
	}
}

// SetUpload makes an uploaded file the active source.
func (s *Session) SetUpload(filename string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source == SourceUpload && s.filename == filename && bytes.Equal(s.upload, data) {
		return
	}
	s.clearSource()
	s.source = SourceUpload
	s.filename = filename
	s.upload = data
}

// SetURL makes a remote image the active source.
func (s *Session) SetURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source == SourceURL && s.url == url {
		return
	}
	s.clearSource()
	if url != "" {
		s.source = SourceURL
		s.url = url
	}
}

// ClearSource removes the active source and its result.
func (s *Session) ClearSource() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearSource()
}

func (s *Session) clearSource() {
	s.source = SourceNone
	s.upload = nil
	s.filename = ""
	s.url = ""
	s.result = nil
	s.lastErr = ""
}

// SelectModel changes the model used by the next analyze. The current result is kept.
func (s *Session) SelectModel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = id
}

// SetPrecise asks the service for unrounded confidences.
func (s *Session) SetPrecise(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.precise = on
}

func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// Analyze sends the active source to the service and stores the response.
// On failure the previous result is left untouched and the error is returned.
func (s *Session) Analyze(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	req := PredictRequest{Model: s.model, Precise: s.precise}
	switch s.source {
	case SourceUpload:
		req.Upload = s.upload
		req.Filename = s.filename
	case SourceURL:
		req.URL = s.url
	default:
		s.lastErr = ErrNoActiveSource.Error()
		s.mu.Unlock()
		return nil, ErrNoActiveSource
	}
	source := s.source
	s.mu.Unlock()

	resp, err := s.api.Predict(ctx, req, s.timeout)
	if err == nil {
		var res *Result
		res, err = newResult(resp)
		if err == nil {
			s.mu.Lock()
			defer s.mu.Unlock()
			// The source may have changed while the request was in flight
			if s.source != source || (source == SourceUpload && !bytes.Equal(s.upload, req.Upload)) || (source == SourceURL && s.url != req.URL) {
				return res, nil
			}
			s.result = res
			s.lastErr = ""
			return res, nil
		}
	}

	s.log.Warnf("Analyze with model %v failed: %v", req.Model, err)
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
	return nil, err
}

func newResult(resp *models.PredictResponse) (*Result, error) {
	img, data, err := DecodeImage(resp)
	if err != nil {
		return nil, err
	}
	return &Result{
		Model:       resp.ModelUsed,
		Predictions: resp.Predictions,
		Image:       img,
		JPEG:        data,
		At:          time.Now(),
	}, nil
}

// SourceImage returns the uploaded bytes, or the URL of a remote source.
// Both are empty when there is no active source.
func (s *Session) SourceImage() (data []byte, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upload, s.url
}

// Result returns the last stored analysis, or nil.
func (s *Session) Result() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Model:    s.model,
		Source:   s.source,
		Filename: s.filename,
		URL:      s.url,
		Result:   s.result,
		Error:    s.lastErr,
	}
}
