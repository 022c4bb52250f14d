package client

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackfruit-vision/ripeness/acquire"
)

// Largest single camera frame we will read
const maxFrameBytes = 16 << 20

// FrameSource produces live frames. Next blocks until a frame is available.
// It returns io.EOF when the source has no more frames.
type FrameSource interface {
	Next(ctx context.Context) (image.Image, error)
	Close() error
}

// MJPEGSource reads frames from an HTTP camera that serves multipart/x-mixed-replace JPEG.
// Most IP cameras and phone webcam apps expose such a stream.
type MJPEGSource struct {
	url    string
	client *http.Client

	mu     sync.Mutex
	body   io.ReadCloser
	reader *multipart.Reader
}

func NewMJPEGSource(url string, client *http.Client) *MJPEGSource {
	if client == nil {
		client = &http.Client{}
	}
	return &MJPEGSource{url: url, client: client}
}

// connect opens the stream. The connection lives as long as ctx.
func (s *MJPEGSource) connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("cannot connect to camera: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("camera returned %v", resp.Status)
	}
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		resp.Body.Close()
		return fmt.Errorf("camera stream is not multipart (Content-Type '%v')", resp.Header.Get("Content-Type"))
	}
	boundary := strings.TrimPrefix(params["boundary"], "--")
	if boundary == "" {
		resp.Body.Close()
		return errors.New("camera stream has no multipart boundary")
	}
	s.body = resp.Body
	s.reader = multipart.NewReader(resp.Body, boundary)
	return nil
}

func (s *MJPEGSource) Next(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reader == nil {
		if err := s.connect(ctx); err != nil {
			return nil, err
		}
	}

	part, err := s.reader.NextPart()
	if err != nil {
		return nil, err
	}
	defer part.Close()

	data, err := io.ReadAll(io.LimitReader(part, maxFrameBytes))
	if err != nil {
		return nil, err
	}
	return acquire.Decode(data)
}

func (s *MJPEGSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.body == nil {
		return nil
	}
	err := s.body.Close()
	s.body = nil
	s.reader = nil
	return err
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".webp": true,
	".tif":  true,
	".tiff": true,
}

// DirSource plays the images of a directory as a camera, in name order, at a fixed frame interval.
type DirSource struct {
	files    []string
	interval time.Duration
	loop     bool

	mu   sync.Mutex
	next int
	last time.Time
}

// NewDirSource lists the images in dir. If loop is false, Next returns io.EOF after the last image.
func NewDirSource(dir string, interval time.Duration, loop bool) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images found in %v", dir)
	}
	sort.Strings(files)
	return &DirSource{files: files, interval: interval, loop: loop}, nil
}

func (s *DirSource) Next(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next >= len(s.files) {
		if !s.loop {
			return nil, io.EOF
		}
		s.next = 0
	}

	if s.interval > 0 && !s.last.IsZero() {
		if wait := s.interval - time.Since(s.last); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.last = time.Now()

	file := s.files[s.next]
	s.next++
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	img, err := acquire.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", file, err)
	}
	return img, nil
}

func (s *DirSource) Close() error {
	return nil
}
