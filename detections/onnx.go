package detections

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/jackfruit-vision/ripeness/models"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	envMu   sync.Mutex
	envRefs int
)

// InitRuntime loads the ONNX Runtime shared library. Calls are reference counted
// and must be paired with ShutdownRuntime.
func InitRuntime(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("error initializing onnxruntime: %w", err)
		}
	}
	envRefs++
	return nil
}

func ShutdownRuntime() error {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 {
		return nil
	}
	envRefs--
	if envRefs == 0 {
		return ort.DestroyEnvironment()
	}
	return nil
}

type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	if m.Output != nil {
		m.Output.Destroy()
	}
}

type OnnxOptions struct {
	PoolSize      int
	Threads       int
	ConfThreshold float32
	IouThreshold  float32
}

// OnnxDetector runs a YOLOv8 ONNX export through a pool of sessions.
type OnnxDetector struct {
	path         string
	labels       []string
	layout       outputLayout
	opts         OnnxOptions
	pool         *SessionPool
	preprocessor *Preprocessor
}

// LoadOnnxDetector opens the model at modelPath. The label table comes from labelsPath if
// given, otherwise from the "names" metadata embedded by the exporter.
func LoadOnnxDetector(modelPath, labelsPath string, opts OnnxOptions) (*OnnxDetector, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file not found: %w", err)
	}
	if opts.ConfThreshold <= 0 {
		opts.ConfThreshold = ConfThreshold
	}
	if opts.IouThreshold <= 0 {
		opts.IouThreshold = IouThreshold
	}

	labels, err := loadLabels(modelPath, labelsPath)
	if err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("error reading model io info: %w", err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, fmt.Errorf("expected 1 input and 1 output, got %d and %d", len(inputs), len(outputs))
	}

	layout, err := layoutFromShapes(inputs[0].Dimensions, outputs[0].Dimensions, len(labels))
	if err != nil {
		return nil, err
	}

	d := &OnnxDetector{
		path:         modelPath,
		labels:       labels,
		layout:       layout,
		opts:         opts,
		preprocessor: NewPreprocessor(layout.InputWidth, layout.InputHeight),
	}

	inputName, outputName := inputs[0].Name, outputs[0].Name
	d.pool, err = NewSessionPool(opts.PoolSize, func() (*ModelSession, error) {
		return d.newSession(inputName, outputName)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func loadLabels(modelPath, labelsPath string) ([]string, error) {
	if labelsPath == "" {
		sidecar := strings.TrimSuffix(modelPath, filepath.Ext(modelPath)) + ".txt"
		if _, err := os.Stat(sidecar); err == nil {
			labelsPath = sidecar
		}
	}
	if labelsPath != "" {
		labels, err := LoadClassFile(labelsPath)
		if err != nil {
			return nil, fmt.Errorf("error loading labels %v: %w", labelsPath, err)
		}
		if len(labels) == 0 {
			return nil, fmt.Errorf("label file %v is empty", labelsPath)
		}
		return labels, nil
	}

	meta, err := ort.GetModelMetadata(modelPath)
	if err != nil {
		return nil, fmt.Errorf("error reading model metadata: %w", err)
	}
	defer meta.Destroy()

	names, ok, err := meta.LookupCustomMetadataMap("names")
	if err != nil {
		return nil, fmt.Errorf("error reading names metadata: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("model %v has no names metadata and no label file", modelPath)
	}
	return ParseNamesMetadata(names)
}

func layoutFromShapes(input, output ort.Shape, numLabels int) (outputLayout, error) {
	if len(input) != 4 || len(output) != 3 {
		return outputLayout{}, fmt.Errorf("unsupported tensor shapes: input %v, output %v", input, output)
	}
	l := outputLayout{
		InputHeight: int(input[2]),
		InputWidth:  int(input[3]),
		Classes:     int(output[1]) - 4,
		Anchors:     int(output[2]),
	}
	// Dynamic axes are reported as -1
	if l.InputWidth <= 0 || l.InputHeight <= 0 {
		l.InputWidth, l.InputHeight = DefaultInputWidth, DefaultInputHeight
	}
	if l.Classes <= 0 || l.Anchors <= 0 {
		return outputLayout{}, fmt.Errorf("unsupported output shape %v", output)
	}
	if l.Classes != numLabels {
		return outputLayout{}, fmt.Errorf("model has %d classes but label table has %d", l.Classes, numLabels)
	}
	return l, nil
}

func (d *OnnxDetector) newSession(inputName, outputName string) (*ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if d.opts.Threads > 0 {
		options.SetIntraOpNumThreads(d.opts.Threads)
		options.SetInterOpNumThreads(1)
	}

	inputShape := ort.NewShape(1, 3, int64(d.layout.InputHeight), int64(d.layout.InputWidth))
	outputShape := ort.NewShape(1, int64(4+d.layout.Classes), int64(d.layout.Anchors))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		d.path,
		[]string{inputName},
		[]string{outputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &ModelSession{
		Session: session,
		Input:   inputTensor,
		Output:  outputTensor,
	}, nil
}

func (d *OnnxDetector) Labels() []string {
	return d.labels
}

func (d *OnnxDetector) Stats() PoolStats {
	return d.pool.Stats()
}

func (d *OnnxDetector) Close() {
	d.pool.Destroy()
}

func (d *OnnxDetector) Detect(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]models.Detection, error) {
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}

	session, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, &ProcessingError{Message: "no model session available", Cause: err}
	}

	resizeStart := time.Now()
	resized := imaging.Resize(img, d.layout.InputWidth, d.layout.InputHeight, imaging.Linear)
	timings.Resize = time.Since(resizeStart)

	prepStart := time.Now()
	d.preprocessor.Process(resized, session.Input.GetData())
	timings.Preprocess = time.Since(prepStart)

	inferStart := time.Now()
	if err := session.Session.Run(); err != nil {
		// A session that failed once is not trusted again
		d.pool.Discard(session, err)
		return nil, fmt.Errorf("model inference: %w", err)
	}
	timings.Inference = time.Since(inferStart)

	postStart := time.Now()
	b := img.Bounds()
	found, err := processPredictions(session.Output.GetData(), d.layout, b.Dx(), b.Dy(), d.opts.ConfThreshold, d.opts.IouThreshold)
	d.pool.Release(session)
	if err != nil {
		return nil, fmt.Errorf("process predictions: %w", err)
	}
	timings.Postprocess = time.Since(postStart)

	return found, nil
}
