package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/jackfruit-vision/ripeness/acquire"
	"github.com/jackfruit-vision/ripeness/config"
	"github.com/jackfruit-vision/ripeness/detections"
	"github.com/jackfruit-vision/ripeness/metrics"
	"github.com/jackfruit-vision/ripeness/models"
	"github.com/jackfruit-vision/ripeness/registry"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const remoteImage = "https://images.example.com/jackfruit.png"

// ripeDetector finds one ripe jackfruit covering most of the image.
type ripeDetector struct {
	calls atomic.Int32
}

func (d *ripeDetector) Detect(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]models.Detection, error) {
	d.calls.Add(1)
	b := img.Bounds()
	return []models.Detection{{
		Class:      1,
		Confidence: 0.8234,
		BBox:       [4]int32{2, 2, int32(b.Dx() - 2), int32(b.Dy() - 2)},
	}}, nil
}

func (d *ripeDetector) Labels() []string { return []string{"unripe", "ripe"} }
func (d *ripeDetector) Close()           {}

func (d *ripeDetector) Stats() detections.PoolStats {
	return detections.PoolStats{Size: 2, InUse: 1, TotalAcquired: int64(d.calls.Load()), LastErrors: []string{"session run failed"}}
}

type testService struct {
	state     *AppState
	detector  *ripeDetector
	transport *httpmock.MockTransport
	loads     atomic.Int32
}

func newTestService(t *testing.T, loadErr error) *testService {
	t.Helper()
	ts := &testService{detector: &ripeDetector{}, transport: httpmock.NewMockTransport()}

	log := logs.NewTestingLog(t)
	loader := func(ctx context.Context, spec registry.ModelSpec) (detections.Detector, error) {
		ts.loads.Add(1)
		if loadErr != nil {
			return nil, loadErr
		}
		return ts.detector, nil
	}
	reg, err := registry.New(log, []registry.ModelSpec{
		{ID: "YOLOv8n", Path: "models/jackfruit_yolov8n.onnx"},
		{ID: "YOLOv8s", Path: "models/jackfruit_yolov8s.onnx"},
	}, "YOLOv8s", loader)
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	settings := &config.Settings{}
	settings.Server.MaxUploadMB = 10

	fetcher := acquire.NewFetcher(&http.Client{Transport: ts.transport}, acquire.FetcherConfig{})
	ts.state = &AppState{
		Log:      log,
		Settings: settings,
		Registry: reg,
		Acquirer: acquire.New(fetcher),
		Metrics:  metrics.New(),
	}
	return ts
}

func (ts *testService) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.state.Router().ServeHTTP(rec, req)
	return rec
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 200, G: uint8(100 + x), B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// predictForm builds a multipart POST /predict/ request. Empty values are left out.
func predictForm(t *testing.T, fields map[string]string, file []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if file != nil {
		fw, err := mw.CreateFormFile(models.FieldFile, "fruit.png")
		require.NoError(t, err)
		fw.Write(file)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/predict/", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodePrediction(t *testing.T, rec *httptest.ResponseRecorder) models.PredictResponse {
	t.Helper()
	var resp models.PredictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) models.ErrorResponse {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func TestPredictUpload(t *testing.T) {
	ts := newTestService(t, nil)

	rec := ts.do(predictForm(t, map[string]string{models.FieldModel: "YOLOv8n"}, testPNG(t, 64, 48)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodePrediction(t, rec)
	assert.Equal(t, "YOLOv8n", resp.ModelUsed)
	assert.Equal(t, []models.Prediction{{Label: "ripe", Confidence: 0.823}}, resp.Predictions)

	data, err := base64.StdEncoding.DecodeString(resp.Image)
	require.NoError(t, err)
	annotated, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 48), annotated.Bounds())

	assert.Equal(t, int32(1), ts.detector.calls.Load())
	assert.Equal(t, []string{"YOLOv8n"}, ts.state.Registry.Loaded())
}

func TestPredictDefaultModel(t *testing.T) {
	ts := newTestService(t, nil)
	rec := ts.do(predictForm(t, nil, testPNG(t, 32, 32)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "YOLOv8s", decodePrediction(t, rec).ModelUsed)
}

func TestPredictPrecise(t *testing.T) {
	ts := newTestService(t, nil)
	rec := ts.do(predictForm(t, map[string]string{models.FieldPrecise: "true"}, testPNG(t, 32, 32)))
	require.Equal(t, http.StatusOK, rec.Code)
	preds := decodePrediction(t, rec).Predictions
	require.Len(t, preds, 1)
	assert.InDelta(t, 0.8234, preds[0].Confidence, 1e-6)
	assert.NotEqual(t, 0.823, preds[0].Confidence)
}

func TestPredictURL(t *testing.T) {
	ts := newTestService(t, nil)
	ts.transport.RegisterResponder("GET", remoteImage, httpmock.NewBytesResponder(200, testPNG(t, 50, 40)))

	rec := ts.do(predictForm(t, map[string]string{models.FieldImageURL: remoteImage}, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodePrediction(t, rec)
	assert.Len(t, resp.Predictions, 1)
	assert.Equal(t, 1, ts.transport.GetTotalCallCount())
}

func TestPredictJSONBody(t *testing.T) {
	ts := newTestService(t, nil)
	body, err := json.Marshal(map[string]interface{}{
		"model_name": "YOLOv8n",
		"image":      base64.StdEncoding.EncodeToString(testPNG(t, 20, 20)),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec := ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "YOLOv8n", decodePrediction(t, rec).ModelUsed)
}

func TestPredictNoSource(t *testing.T) {
	ts := newTestService(t, nil)
	rec := ts.do(predictForm(t, map[string]string{models.FieldModel: "YOLOv8s"}, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, models.CodeNoSource, resp.Code)
	assert.NotEmpty(t, resp.Error)
	assert.Equal(t, int32(0), ts.loads.Load())
}

func TestPredictBothSources(t *testing.T) {
	ts := newTestService(t, nil)
	rec := ts.do(predictForm(t, map[string]string{models.FieldImageURL: remoteImage}, testPNG(t, 8, 8)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, models.CodeAmbiguousSource, decodeError(t, rec).Code)
	assert.Equal(t, 0, ts.transport.GetTotalCallCount())
}

func TestPredictURLDisabled(t *testing.T) {
	ts := newTestService(t, nil)
	ts.state.Acquirer = acquire.New(nil)
	rec := ts.do(predictForm(t, map[string]string{models.FieldImageURL: remoteImage}, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, models.CodeInvalidRequest, decodeError(t, rec).Code)
}

func TestPredictUnknownModel(t *testing.T) {
	ts := newTestService(t, nil)
	rec := ts.do(predictForm(t, map[string]string{
		models.FieldModel:    "YOLOv9",
		models.FieldImageURL: remoteImage,
	}, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, models.CodeUnknownModel, resp.Code)
	assert.Contains(t, resp.Error, "YOLOv9")

	// Rejected before the image is fetched or any model is loaded
	assert.Equal(t, 0, ts.transport.GetTotalCallCount())
	assert.Equal(t, int32(0), ts.loads.Load())
}

func TestPredictFetchFailure(t *testing.T) {
	ts := newTestService(t, nil)
	ts.transport.RegisterResponder("GET", remoteImage, httpmock.NewStringResponder(404, "not found"))

	rec := ts.do(predictForm(t, map[string]string{models.FieldImageURL: remoteImage}, nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, models.CodeFetchFailed, resp.Code)
	assert.Contains(t, resp.Error, "404")
	assert.Equal(t, int32(0), ts.detector.calls.Load())
}

func TestPredictUndecodableUpload(t *testing.T) {
	ts := newTestService(t, nil)
	rec := ts.do(predictForm(t, nil, []byte("definitely not an image")))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, models.CodeDecodeFailed, decodeError(t, rec).Code)
	assert.Equal(t, int32(0), ts.detector.calls.Load())
}

func TestPredictModelUnavailable(t *testing.T) {
	ts := newTestService(t, errors.New("model file not found"))
	rec := ts.do(predictForm(t, nil, testPNG(t, 8, 8)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, models.CodeModelUnavailable, resp.Code)
	assert.Contains(t, resp.Error, "model file not found")
}

func TestPredictLegacyErrorStatus(t *testing.T) {
	ts := newTestService(t, nil)

	req := predictForm(t, nil, nil)
	req.Header.Set(models.ErrorModeHeader, models.ErrorModeLegacy)
	rec := ts.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.CodeNoSource, decodeError(t, rec).Code)

	ts.state.Settings.Server.LegacyErrorStatus = true
	rec = ts.do(predictForm(t, map[string]string{models.FieldModel: "YOLOv9"}, testPNG(t, 8, 8)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.CodeUnknownModel, decodeError(t, rec).Code)
}

func TestPredictInvalidJSON(t *testing.T) {
	ts := newTestService(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/predict/", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := ts.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, models.CodeInvalidRequest, decodeError(t, rec).Code)
}

func TestRootModelsAndHealth(t *testing.T) {
	ts := newTestService(t, nil)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var msg models.MessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, MsgWelcome, msg.Message)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list models.ModelsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, "YOLOv8s", list.Default)
	assert.Equal(t, []string{"YOLOv8n", "YOLOv8s"}, list.Models)
	assert.Empty(t, list.Loaded)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestHealthReportsLoadedModels(t *testing.T) {
	ts := newTestService(t, nil)
	require.Equal(t, http.StatusOK, ts.do(predictForm(t, nil, testPNG(t, 8, 8))).Code)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))

	assert.Equal(t, []string{"YOLOv8s"}, health.Loaded)
	require.Len(t, health.Models, 1)
	m := health.Models[0]
	assert.Equal(t, "YOLOv8s", m.ID)
	assert.False(t, m.LoadedAt.IsZero())
	assert.GreaterOrEqual(t, m.LoadTimeMS, 0.0)
	require.NotNil(t, m.Sessions)
	assert.Equal(t, 2, m.Sessions.Size)
	assert.Equal(t, int64(1), m.Sessions.TotalAcquired)
	assert.Equal(t, []string{"session run failed"}, m.Sessions.LastErrors)
	assert.Equal(t, 1, sessionsInUse(ts.state.Registry))
}

func TestPredictCountsOutcomes(t *testing.T) {
	ts := newTestService(t, nil)
	ts.do(predictForm(t, nil, testPNG(t, 8, 8)))
	ts.do(predictForm(t, nil, nil))

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `jackfruit_predict_requests_total{code="ok"} 1`)
	assert.Contains(t, rec.Body.String(), `jackfruit_predict_requests_total{code="no_source"} 1`)
}

func TestCORS(t *testing.T) {
	ts := newTestService(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/predict/", nil)
	req.Header.Set("Origin", "http://localhost:8501")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type, X-Error-Mode")
	rec := ts.do(req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), models.ErrorModeHeader)

	req = httptest.NewRequest(http.MethodOptions, "/predict/", nil)
	req.Header.Set("Origin", "http://localhost:8501")
	req.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	rec = ts.do(req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	req = predictForm(t, nil, testPNG(t, 16, 16))
	req.Header.Set("Origin", "http://localhost:8501")
	rec = ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
