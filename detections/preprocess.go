package detections

import (
	"image"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sys/cpu"
)

// CPUFeatures lists the vector extensions the ONNX runtime can make use of on this host.
func CPUFeatures() string {
	var features []string
	switch runtime.GOARCH {
	case "amd64", "386":
		if cpu.X86.HasAVX512F {
			features = append(features, "avx512f")
		}
		if cpu.X86.HasAVX2 {
			features = append(features, "avx2")
		}
		if cpu.X86.HasFMA {
			features = append(features, "fma")
		}
		if cpu.X86.HasSSE41 {
			features = append(features, "sse4.1")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			features = append(features, "asimd")
		}
		if cpu.ARM64.HasFPHP {
			features = append(features, "fp16")
		}
		if cpu.ARM64.HasASIMDDP {
			features = append(features, "dotprod")
		}
	}
	if len(features) == 0 {
		return "none"
	}
	return strings.Join(features, ",")
}

// Preprocessor converts a resized image into a planar (CHW) float32 buffer scaled to [0,1].
type Preprocessor struct {
	width, height int
	numWorkers    int
	bufferPool    *sync.Pool
}

func NewPreprocessor(width, height int) *Preprocessor {
	return &Preprocessor{
		width:      width,
		height:     height,
		numWorkers: runtime.GOMAXPROCS(0),
		bufferPool: &sync.Pool{
			New: func() interface{} {
				buf := make([]float32, width*height*3)
				return &buf
			},
		},
	}
}

// Process fills dst, which must hold width*height*3 values. img must be exactly width x height.
func (p *Preprocessor) Process(img image.Image, dst []float32) {
	bufp := p.bufferPool.Get().(*[]float32)
	defer p.bufferPool.Put(bufp)
	buffer := *bufp

	if nrgba, ok := img.(*image.NRGBA); ok {
		p.processParallel(buffer, func(start, end int) { p.processRowsNRGBA(nrgba, buffer, start, end) })
	} else {
		p.processParallel(buffer, func(start, end int) { p.processRowsGeneric(img, buffer, start, end) })
	}
	copy(dst, buffer)
}

func (p *Preprocessor) processParallel(buffer []float32, rows func(start, end int)) {
	workers := max(1, min(p.numWorkers, p.height))
	rowsPerWorker := p.height / workers

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == workers-1 {
			endRow = p.height
		}
		go func(start, end int) {
			defer wg.Done()
			rows(start, end)
		}(startRow, endRow)
	}
	wg.Wait()
}

func (p *Preprocessor) processRowsNRGBA(img *image.NRGBA, buffer []float32, start, end int) {
	channelSize := p.width * p.height
	for y := start; y < end; y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+p.width*4]
		offset := y * p.width
		for x := 0; x < p.width; x++ {
			i := offset + x
			buffer[i] = float32(src[x*4]) / 255.0
			buffer[channelSize+i] = float32(src[x*4+1]) / 255.0
			buffer[channelSize*2+i] = float32(src[x*4+2]) / 255.0
		}
	}
}

func (p *Preprocessor) processRowsGeneric(img image.Image, buffer []float32, start, end int) {
	channelSize := p.width * p.height
	b := img.Bounds()
	for y := start; y < end; y++ {
		offset := y * p.width
		for x := 0; x < p.width; x++ {
			i := offset + x
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			buffer[i] = float32(r>>8) / 255.0
			buffer[channelSize+i] = float32(g>>8) / 255.0
			buffer[channelSize*2+i] = float32(bl>>8) / 255.0
		}
	}
}
