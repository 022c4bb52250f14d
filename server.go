package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/jackfruit-vision/ripeness/acquire"
	"github.com/jackfruit-vision/ripeness/config"
	"github.com/jackfruit-vision/ripeness/detections"
	"github.com/jackfruit-vision/ripeness/metrics"
	"github.com/jackfruit-vision/ripeness/models"
	"github.com/jackfruit-vision/ripeness/registry"
)

// Quality of the annotated JPEG returned to callers
const responseJpegQuality = 90

type AppState struct {
	Log      logs.Log
	Settings *config.Settings
	Registry *registry.Registry
	Acquirer *acquire.Acquirer
	Metrics  *metrics.Metrics
}

// requestError is a malformed request that never reached source validation.
type requestError struct {
	err error
}

func (e *requestError) Error() string {
	return e.err.Error()
}

func (e *requestError) Unwrap() error {
	return e.err
}

// predictRequest is the decoded body of POST /predict/, from either multipart/form or JSON.
type predictRequest struct {
	Model   string
	Upload  []byte
	URL     string
	Precise bool
}

type jsonPredictRequest struct {
	Model   string `json:"model_name"`
	Image   string `json:"image"` // base64
	URL     string `json:"image_url"`
	Precise bool   `json:"precise"`
}

func (s *AppState) debugMode() bool {
	return s.Settings.Debug
}

func (s *AppState) logTimings(t *models.ProcessingTimings) {
	if s.debugMode() {
		s.Log.Debugf("RequestID: %s - Processing times:\n"+
			"\tAcquire:     %v\n"+
			"\tResolve:     %v\n"+
			"\tResize:      %v\n"+
			"\tPreprocess:  %v\n"+
			"\tInference:   %v\n"+
			"\tPostprocess: %v\n"+
			"\tAnnotate:    %v\n"+
			"\tEncode:      %v\n"+
			"\tTotal:       %v",
			t.RequestID,
			t.Acquire,
			t.Resolve,
			t.Resize,
			t.Preprocess,
			t.Inference,
			t.Postprocess,
			t.Annotate,
			t.Encode,
			t.Total)
	}
}

// Router builds the HTTP routes of the inference service.
func (s *AppState) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware())
	r.HandleFunc("/", s.handleRoot).Methods("GET")
	r.HandleFunc("/predict/", s.handlePredict).Methods("POST")
	r.HandleFunc("/predict", s.handlePredict).Methods("POST")
	r.HandleFunc("/models", s.handleModels).Methods("GET")
	s.addMonitoringRoutes(r)
	// Lets the CORS middleware answer preflight requests
	r.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	return r
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", s.Metrics.Handler()).Methods("GET")
}

// corsMiddleware lets browser front ends on any origin call the service.
func corsMiddleware() mux.MiddlewareFunc {
	return handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", models.ErrorModeHeader}),
		handlers.OptionStatusCode(http.StatusNoContent),
	)
}

func (s *AppState) handleRoot(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, models.MessageResponse{Message: MsgWelcome})
}

func (s *AppState) handleModels(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, models.ModelsResponse{
		Default: s.Registry.Default(),
		Models:  s.Registry.Known(),
		Loaded:  s.Registry.Loaded(),
	})
}

// poolReporter is implemented by detectors backed by a session pool.
type poolReporter interface {
	Stats() detections.PoolStats
}

type modelHealth struct {
	ID         string                `json:"id"`
	LoadedAt   time.Time             `json:"loaded_at"`
	LoadTimeMS float64               `json:"load_time_ms"`
	Sessions   *detections.PoolStats `json:"sessions,omitempty"`
}

type healthResponse struct {
	Status string        `json:"status"`
	Loaded []string      `json:"loaded"`
	Models []modelHealth `json:"models"`
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Loaded: s.Registry.Loaded(), Models: []modelHealth{}}
	for _, h := range s.Registry.Handles() {
		m := modelHealth{
			ID:         h.Spec.ID,
			LoadedAt:   h.LoadedAt,
			LoadTimeMS: float64(h.LoadTime) / float64(time.Millisecond),
		}
		if p, ok := h.Detector.(poolReporter); ok {
			stats := p.Stats()
			m.Sessions = &stats
		}
		resp.Models = append(resp.Models, m)
	}
	sendJSON(w, http.StatusOK, resp)
}

func (s *AppState) handlePredict(w http.ResponseWriter, r *http.Request) {
	startTotal := time.Now()
	requestID := uuid.NewString()
	timings := &models.ProcessingTimings{RequestID: requestID}
	ctx := r.Context()
	legacy := s.Settings.Server.LegacyErrorStatus || r.Header.Get(models.ErrorModeHeader) == models.ErrorModeLegacy

	fail := func(err error) {
		status, code := errorStatus(err)
		s.Metrics.Requests.WithLabelValues(code).Inc()
		if status >= 500 {
			s.Log.Errorf("RequestID: %s - %v", requestID, err)
		} else {
			s.Log.Infof("RequestID: %s - rejected (%v): %v", requestID, code, err)
		}
		if legacy {
			status = http.StatusOK
		}
		sendErrorResponse(w, code, err.Error(), status)
	}

	req, err := s.parsePredictRequest(w, r)
	if err != nil {
		fail(err)
		return
	}

	// Precondition order: source, model, acquisition, inference
	src := acquire.Source{Upload: req.Upload, URL: req.URL}
	if err := src.Validate(); err != nil {
		fail(err)
		return
	}

	modelID := req.Model
	if modelID == "" {
		modelID = s.Registry.Default()
	}
	resolveStart := time.Now()
	handle, err := s.Registry.Resolve(ctx, modelID)
	timings.Resolve = time.Since(resolveStart)
	if err != nil {
		fail(err)
		return
	}

	acquireStart := time.Now()
	img, err := s.Acquirer.Acquire(ctx, src)
	timings.Acquire = time.Since(acquireStart)
	if err != nil {
		fail(err)
		return
	}

	inferStart := time.Now()
	result, err := detections.Infer(ctx, img, handle.Detector, timings)
	s.Metrics.InferenceDuration.WithLabelValues(modelID).Observe(time.Since(inferStart).Seconds())
	if err != nil {
		fail(err)
		return
	}

	encodeStart := time.Now()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, result.Annotated, &jpeg.Options{Quality: responseJpegQuality}); err != nil {
		fail(&detections.ProcessingError{Message: "failed to encode annotated image", Cause: err})
		return
	}
	timings.Encode = time.Since(encodeStart)

	response := models.PredictResponse{
		ModelUsed:   modelID,
		Predictions: make([]models.Prediction, 0, len(result.Predictions)),
		Image:       base64.StdEncoding.EncodeToString(buf.Bytes()),
	}
	for _, p := range result.Predictions {
		conf := p.Rounded()
		if req.Precise {
			conf = p.Confidence
		}
		response.Predictions = append(response.Predictions, models.Prediction{Label: p.Label, Confidence: conf})
	}

	timings.Total = time.Since(startTotal)
	s.logTimings(timings)
	s.Metrics.Requests.WithLabelValues("ok").Inc()

	sendJSON(w, http.StatusOK, response)
}

func (s *AppState) parsePredictRequest(w http.ResponseWriter, r *http.Request) (*predictRequest, error) {
	maxBytes := int64(s.Settings.Server.MaxUploadMB) << 20
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		return handleJSONRequest(io.LimitReader(r.Body, maxBytes*2))
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+(1<<20))
	if err := r.ParseMultipartForm(maxBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return nil, &requestError{err: fmt.Errorf("cannot parse form: %w", err)}
	}

	req := &predictRequest{
		Model: r.FormValue(models.FieldModel),
		URL:   r.FormValue(models.FieldImageURL),
	}
	if v := r.FormValue(models.FieldPrecise); v != "" {
		req.Precise, _ = strconv.ParseBool(v)
	}

	upload, err := handleMultipartFile(r)
	if err != nil {
		return nil, &requestError{err: err}
	}
	req.Upload = upload
	return req, nil
}

func handleJSONRequest(body io.Reader) (*predictRequest, error) {
	var in jsonPredictRequest
	if err := json.NewDecoder(body).Decode(&in); err != nil {
		return nil, &requestError{err: fmt.Errorf("invalid JSON body: %w", err)}
	}
	req := &predictRequest{Model: in.Model, URL: in.URL, Precise: in.Precise}
	if in.Image != "" {
		data, err := base64.StdEncoding.DecodeString(in.Image)
		if err != nil {
			return nil, &requestError{err: fmt.Errorf("image is not valid base64: %w", err)}
		}
		req.Upload = data
	}
	return req, nil
}

func handleMultipartFile(r *http.Request) ([]byte, error) {
	file, _, err := r.FormFile(models.FieldFile)
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

// errorStatus maps an error to its HTTP status and response code.
func errorStatus(err error) (int, string) {
	var (
		sourceErr  *acquire.SourceError
		unknownErr *registry.UnknownModelError
		loadErr    *registry.LoadError
		fetchErr   *acquire.FetchError
		decodeErr  *acquire.DecodeError
		reqErr     *requestError
	)
	switch {
	case errors.Is(err, acquire.ErrAmbiguousSource):
		return http.StatusBadRequest, models.CodeAmbiguousSource
	case errors.Is(err, acquire.ErrURLDisabled):
		return http.StatusBadRequest, models.CodeInvalidRequest
	case errors.As(err, &sourceErr):
		return http.StatusBadRequest, models.CodeNoSource
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, models.CodeInvalidRequest
	case errors.As(err, &unknownErr):
		return http.StatusNotFound, models.CodeUnknownModel
	case errors.As(err, &loadErr):
		return http.StatusServiceUnavailable, models.CodeModelUnavailable
	case errors.As(err, &fetchErr):
		return http.StatusBadGateway, models.CodeFetchFailed
	case errors.As(err, &decodeErr):
		return http.StatusUnprocessableEntity, models.CodeDecodeFailed
	default:
		return http.StatusInternalServerError, models.CodeInferenceFailed
	}
}

func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	sendJSON(w, status, models.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
