package models

// Error codes returned in ErrorResponse.Code
const (
	CodeNoSource         = "no_source"
	CodeAmbiguousSource  = "ambiguous_source"
	CodeUnknownModel     = "unknown_model"
	CodeFetchFailed      = "fetch_failed"
	CodeDecodeFailed     = "decode_failed"
	CodeInferenceFailed  = "inference_failed"
	CodeModelUnavailable = "model_unavailable"
	CodeInvalidRequest   = "invalid_request"
)

// Multipart form fields of POST /predict/
const (
	FieldModel    = "model_name"
	FieldFile     = "file"
	FieldImageURL = "image_url"
	FieldPrecise  = "precise"
)

// ErrorModeHeader set to ErrorModeLegacy makes the service report structured errors with status 200.
const (
	ErrorModeHeader = "X-Error-Mode"
	ErrorModeLegacy = "legacy"
)

type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

type PredictResponse struct {
	ModelUsed   string       `json:"model_used"`
	Predictions []Prediction `json:"predictions"`
	Image       string       `json:"image"` // base64 JPEG
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type ModelsResponse struct {
	Default string   `json:"default"`
	Models  []string `json:"models"`
	Loaded  []string `json:"loaded"`
}

type MessageResponse struct {
	Message string `json:"message"`
}
