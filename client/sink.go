package client

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/jackfruit-vision/ripeness/logging"
	"github.com/jackfruit-vision/ripeness/render"
)

// Interval after which an idle MJPEG stream gets a placeholder frame to keep the connection alive
const keepAliveInterval = 5 * time.Second

// Broadcaster fans out display frames as JPEG to any number of MJPEG viewers.
type Broadcaster struct {
	log     logs.Log
	quality int

	mu      sync.Mutex
	clients map[int]chan []byte
	nextID  int
	latest  []byte
}

func NewBroadcaster(log logs.Log, quality int) *Broadcaster {
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	return &Broadcaster{
		log:     logging.NewPrefixLogger(log, "mjpeg:"),
		quality: quality,
		clients: map[int]chan []byte{},
	}
}

// Publish encodes img once and hands it to every subscriber. Slow subscribers skip frames.
func (b *Broadcaster) Publish(img image.Image) error {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: b.quality}); err != nil {
		return err
	}
	data := buf.Bytes()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest = data
	for _, ch := range b.clients {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

// Latest returns the most recently published JPEG, or nil.
func (b *Broadcaster) Latest() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest
}

// Subscribe adds a viewer. The latest frame, if any, is delivered immediately.
func (b *Broadcaster) Subscribe() (int, <-chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan []byte, 2)
	if b.latest != nil {
		ch <- b.latest
	}
	b.clients[id] = ch
	b.log.Debugf("Viewer #%d subscribed (total %d)", id, len(b.clients))
	return id, ch
}

func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
		b.log.Debugf("Viewer #%d unsubscribed (remaining %d)", id, len(b.clients))
	}
}

func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// ServeHTTP streams frames as multipart/x-mixed-replace until the viewer disconnects.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	blank, err := placeholderJPEG()
	if err != nil {
		http.Error(w, "Failed to render frame", http.StatusInternalServerError)
		return
	}

	id, frames := b.Subscribe()
	defer b.Unsubscribe(id)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	keepAlive := time.NewTimer(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		var jpegData []byte
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-frames:
			if !ok {
				return
			}
			jpegData = data
		case <-keepAlive.C:
			jpegData = blank
		}
		keepAlive.Reset(keepAliveInterval)

		if _, err := w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
			return
		}
		if _, err := w.Write(jpegData); err != nil {
			return
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return
		}
		flusher.Flush()
	}
}

var (
	placeholderOnce sync.Once
	placeholder     []byte
	placeholderErr  error
)

// placeholderJPEG is shown while no camera frame is available.
func placeholderJPEG() ([]byte, error) {
	placeholderOnce.Do(func() {
		img := image.NewNRGBA(image.Rect(0, 0, 640, 480))
		render.Fill(img, img.Bounds(), color.RGBA{R: 32, G: 32, B: 32, A: 255})
		msg := "No camera frame"
		w, h := render.TextSize(msg, 2)
		render.Text(img, image.Pt((640-w)/2, (480-h)/2), msg, color.White, 2)

		var buf bytes.Buffer
		placeholderErr = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75})
		placeholder = buf.Bytes()
	})
	return placeholder, placeholderErr
}
