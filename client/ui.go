package client

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/gorilla/mux"
	"github.com/jackfruit-vision/ripeness/logging"
	"github.com/jackfruit-vision/ripeness/models"
)

// Largest upload the UI accepts
const maxUploadBytes = 20 << 20

// UI serves the browser front end for the session and the webcam loop.
type UI struct {
	log     logs.Log
	session *Session
	webcam  *Webcam
	proc    *Processor
	sink    *Broadcaster
	models  []string
}

func NewUI(log logs.Log, session *Session, webcam *Webcam, proc *Processor, sink *Broadcaster, modelIDs []string) *UI {
	return &UI{
		log:     logging.NewPrefixLogger(log, "ui:"),
		session: session,
		webcam:  webcam,
		proc:    proc,
		sink:    sink,
		models:  modelIDs,
	}
}

type resultJSON struct {
	Model       string              `json:"model_used"`
	Predictions []models.Prediction `json:"predictions"`
	At          time.Time           `json:"at"`
}

type webcamJSON struct {
	Running    bool      `json:"running"`
	LowLatency bool      `json:"low_latency"`
	Since      time.Time `json:"since,omitzero"`
	Frames     int64     `json:"frames"`
	Annotated  int64     `json:"annotated"`
	Fallback   int64     `json:"fallback"`
	Skipped    int64     `json:"skipped"`
	FPS        float64   `json:"fps"`
	LatencyMS  float64   `json:"latency_ms"`
	Error      string    `json:"error,omitempty"`
}

type sessionJSON struct {
	Model    string      `json:"model"`
	Models   []string    `json:"models"`
	Source   SourceKind  `json:"source"`
	Filename string      `json:"filename,omitempty"`
	URL      string      `json:"url,omitempty"`
	Error    string      `json:"error,omitempty"`
	Result   *resultJSON `json:"result"`
	Webcam   webcamJSON  `json:"webcam"`
}

func (u *UI) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", u.handleIndex).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/session", u.handleState).Methods("GET")
	api.HandleFunc("/session/upload", u.handleUpload).Methods("POST")
	api.HandleFunc("/session/url", u.handleURL).Methods("POST")
	api.HandleFunc("/session/model", u.handleModel).Methods("POST")
	api.HandleFunc("/session/clear", u.handleClear).Methods("POST")
	api.HandleFunc("/session/analyze", u.handleAnalyze).Methods("POST")
	api.HandleFunc("/session/source", u.handleSourceImage).Methods("GET")
	api.HandleFunc("/session/result.jpg", u.handleResultImage).Methods("GET")
	api.HandleFunc("/webcam/start", u.handleWebcamStart).Methods("POST")
	api.HandleFunc("/webcam/stop", u.handleWebcamStop).Methods("POST")
	api.Handle("/webcam/stream", u.sink).Methods("GET")
	return r
}

func (u *UI) handleIndex(w http.ResponseWriter, r *http.Request) {
	page, err := indexPage()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

func (u *UI) state() sessionJSON {
	st := u.session.State()
	out := sessionJSON{
		Model:    st.Model,
		Models:   u.models,
		Source:   st.Source,
		Filename: st.Filename,
		URL:      st.URL,
		Error:    st.Error,
	}
	if st.Result != nil {
		out.Result = &resultJSON{Model: st.Result.Model, Predictions: st.Result.Predictions, At: st.Result.At}
	}
	ws := u.webcam.Status()
	out.Webcam = webcamJSON{
		Running:    ws.Running,
		LowLatency: u.proc.Options().LowLatency,
		Since:      ws.Since,
		Frames:     ws.Stats.Frames,
		Annotated:  ws.Stats.Annotated,
		Fallback:   ws.Stats.Fallback,
		Skipped:    ws.Stats.Skipped,
		FPS:        ws.Stats.Last.FPS,
		LatencyMS:  ws.Stats.Last.LatencyMS,
		Error:      ws.Error,
	}
	return out
}

func (u *UI) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, u.state())
}

func (u *UI) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+(1<<20))
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file uploaded: "+err.Error())
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	u.session.SetUpload(header.Filename, data)
	writeJSON(w, http.StatusOK, u.state())
}

func (u *UI) handleURL(w http.ResponseWriter, r *http.Request) {
	url := r.FormValue("url")
	if url != "" && !IsValidURL(url) {
		writeError(w, http.StatusBadRequest, "enter a valid http(s) image URL")
		return
	}
	u.session.SetURL(url)
	writeJSON(w, http.StatusOK, u.state())
}

func (u *UI) handleClear(w http.ResponseWriter, r *http.Request) {
	u.session.ClearSource()
	writeJSON(w, http.StatusOK, u.state())
}

// handleSourceImage serves the selected image for preview. Remote images are loaded by the browser directly.
func (u *UI) handleSourceImage(w http.ResponseWriter, r *http.Request) {
	data, url := u.session.SourceImage()
	switch {
	case len(data) != 0:
		w.Header().Set("Content-Type", http.DetectContentType(data))
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(data)
	case url != "":
		http.Redirect(w, r, url, http.StatusFound)
	default:
		http.NotFound(w, r)
	}
}

func (u *UI) handleModel(w http.ResponseWriter, r *http.Request) {
	id := r.FormValue("model")
	if len(u.models) != 0 && !slices.Contains(u.models, id) {
		writeError(w, http.StatusBadRequest, "unknown model '"+id+"'")
		return
	}
	u.session.SelectModel(id)
	u.proc.SetModel(id)
	writeJSON(w, http.StatusOK, u.state())
}

func (u *UI) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	_, err := u.session.Analyze(r.Context())
	if err != nil {
		var apiErr *APIError
		var transportErr *TransportError
		switch {
		case errors.Is(err, ErrNoActiveSource):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.As(err, &apiErr):
			writeError(w, http.StatusUnprocessableEntity, apiErr.Message)
		case errors.As(err, &transportErr):
			writeError(w, http.StatusBadGateway, transportErr.Error())
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, u.state())
}

func (u *UI) handleResultImage(w http.ResponseWriter, r *http.Request) {
	res := u.session.Result()
	if res == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(res.JPEG)
}

func (u *UI) handleWebcamStart(w http.ResponseWriter, r *http.Request) {
	if v := r.FormValue("lowlatency"); v != "" {
		on, _ := strconv.ParseBool(v)
		u.proc.SetLowLatency(on)
	}
	if err := u.webcam.Start(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrWebcamRunning) {
			status = http.StatusConflict
		} else if errors.Is(err, ErrNoCamera) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, u.state())
}

func (u *UI) handleWebcamStop(w http.ResponseWriter, r *http.Request) {
	u.webcam.Stop()
	writeJSON(w, http.StatusOK, u.state())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.ErrorResponse{Error: message})
}
