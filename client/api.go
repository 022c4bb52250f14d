// Package client is the interactive side of the system: a session for analyzing
// uploaded or linked images, and a webcam loop that streams annotated frames with
// live telemetry.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jackfruit-vision/ripeness/models"
)

// Largest response body we accept from the service
const maxResponseBytes = 64 << 20

// APIError is a structured error reported by the inference service.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%v (%v)", e.Message, e.Code)
	}
	return e.Message
}

// TransportError means the service could not be reached, or did not answer in time.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("inference service unreachable: %v", e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// Timeout reports whether the request ran out of time.
func (e *TransportError) Timeout() bool {
	return errors.Is(e.Cause, context.DeadlineExceeded)
}

// PredictRequest carries exactly one of Upload or URL.
type PredictRequest struct {
	Model    string
	Upload   []byte
	Filename string
	URL      string
	Precise  bool
}

// Predictor is the part of the inference service the session and webcam loop need.
type Predictor interface {
	Predict(ctx context.Context, req PredictRequest, timeout time.Duration) (*models.PredictResponse, error)
}

// APIClient talks to the inference service over HTTP.
type APIClient struct {
	base   string
	client *http.Client
}

// NewAPIClient creates a client for the service at baseURL. A nil httpClient uses http.DefaultClient.
func NewAPIClient(baseURL string, httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &APIClient{
		base:   strings.TrimRight(baseURL, "/"),
		client: httpClient,
	}
}

// Predict sends one image to POST /predict/. No retries are attempted.
func (c *APIClient) Predict(ctx context.Context, req PredictRequest, timeout time.Duration) (*models.PredictResponse, error) {
	body, contentType, err := encodePredictRequest(req)
	if err != nil {
		return nil, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/predict/", body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", contentType)

	var resp models.PredictResponse
	if err := c.do(httpReq, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Models lists the model identifiers the service accepts.
func (c *APIClient) Models(ctx context.Context) (*models.ModelsResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/models", http.NoBody)
	if err != nil {
		return nil, err
	}
	var resp models.ModelsResponse
	if err := c.do(httpReq, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do executes httpReq and decodes a JSON body into out.
// A body carrying an "error" key is a failure even when the status is 200.
func (c *APIClient) do(httpReq *http.Request, out interface{}) error {
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return &TransportError{Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &TransportError{Cause: err}
	}

	var errResp models.ErrorResponse
	jsonErr := json.Unmarshal(raw, &errResp)
	if jsonErr == nil && errResp.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Code: errResp.Code, Message: errResp.Error}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("service returned %v", resp.Status)}
	}
	if jsonErr != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("invalid response from service: %v", jsonErr)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("invalid response from service: %v", err)}
	}
	return nil
}

func encodePredictRequest(req PredictRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if req.Model != "" {
		mw.WriteField(models.FieldModel, req.Model)
	}
	if req.URL != "" {
		mw.WriteField(models.FieldImageURL, req.URL)
	}
	if req.Precise {
		mw.WriteField(models.FieldPrecise, "true")
	}
	if len(req.Upload) != 0 {
		name := req.Filename
		if name == "" {
			name = "image.jpg"
		}
		fw, err := mw.CreateFormFile(models.FieldFile, name)
		if err != nil {
			return nil, "", err
		}
		if _, err := fw.Write(req.Upload); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// DecodeImage decodes the annotated base64 JPEG of a predict response.
func DecodeImage(resp *models.PredictResponse) (image.Image, []byte, error) {
	data, err := base64.StdEncoding.DecodeString(resp.Image)
	if err != nil {
		return nil, nil, fmt.Errorf("annotated image is not valid base64: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("cannot decode annotated image: %w", err)
	}
	return img, data, nil
}

// IsValidURL reports whether s looks like an http(s) image URL.
func IsValidURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
