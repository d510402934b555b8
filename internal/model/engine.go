package model

import (
	"fmt"
	"math"
	"strconv"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/Brownie44l1/classifier-api/internal/config"
	"github.com/Brownie44l1/classifier-api/internal/pixels"
)

// meanBGR is the per-channel offset the classifier was trained with.
var meanBGR = [pixels.Channels]float32{104, 117, 123}

type session interface {
	Run() error
	Destroy() error
}

// Engine runs the classifier. The input and output tensors are bound to the
// session once, so Predict serialises access to them; it is safe to call
// from concurrent requests.
type Engine struct {
	mu            sync.Mutex
	session       session
	input         []float32
	output        []float32
	imgSize       int
	positiveIndex int

	cleanup []func() error
}

// NewEngine loads the model described by cfg and binds a session to it.
func NewEngine(cfg config.Classifier, gpu config.GPU, logger *zap.SugaredLogger) (*Engine, error) {
	if cfg.OnnxRuntimeLibrary != "" {
		ort.SetSharedLibraryPath(cfg.OnnxRuntimeLibrary)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	e := &Engine{
		imgSize:       cfg.ImgSize,
		positiveIndex: cfg.PositiveIndex,
		cleanup: []func() error{func() error {
			return ort.DestroyEnvironment()
		}},
	}

	options, err := sessionOptions(gpu, logger)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.cleanup = append(e.cleanup, options.Destroy)

	size := int64(cfg.ImgSize)
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, size, size, pixels.Channels))
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	e.cleanup = append(e.cleanup, inputTensor.Destroy)

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.NumClasses)))
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	e.cleanup = append(e.cleanup, outputTensor.Destroy)

	logger.Infof("loading classifier model from %s", cfg.ModelPath)
	s, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		options)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("unable to load model for classifier: %w", err)
	}

	e.session = s
	e.input = inputTensor.GetData()
	e.output = outputTensor.GetData()
	return e, nil
}

func sessionOptions(gpu config.GPU, logger *zap.SugaredLogger) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if !gpu.Enabled {
		logger.Infof("GPU disabled, running on CPU (memory_fraction %.2f unused)", gpu.MemoryFraction)
		return options, nil
	}

	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		options.Destroy()
		return nil, fmt.Errorf("failed to create CUDA options: %w", err)
	}
	defer cuda.Destroy()

	limit := gpu.MemoryLimitBytes()
	logger.Infof("limit for gpu usage: %.0f%% (%d bytes) on device %d", gpu.MemoryFraction*100, limit, gpu.DeviceID)
	err = cuda.Update(map[string]string{
		"device_id":     strconv.Itoa(gpu.DeviceID),
		"gpu_mem_limit": strconv.FormatInt(limit, 10),
	})
	if err != nil {
		options.Destroy()
		return nil, fmt.Errorf("failed to configure CUDA options: %w", err)
	}
	if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
		options.Destroy()
		return nil, fmt.Errorf("failed to enable CUDA provider: %w", err)
	}
	return options, nil
}

// Predict returns the positive-class probability for buf, rounded to four
// decimal places. Any failure is reported as ErrInference.
func (e *Engine) Predict(buf *pixels.Buffer) (*Prediction, error) {
	if buf == nil {
		return nil, fmt.Errorf("%w: nil image", ErrInference)
	}
	input := Preprocess(buf, e.imgSize)

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(input) != len(e.input) {
		return nil, fmt.Errorf("%w: input has %d values, model expects %d", ErrInference, len(input), len(e.input))
	}
	copy(e.input, input)

	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}

	p, err := probability(e.output, e.positiveIndex)
	if err != nil {
		return nil, err
	}
	return &Prediction{Predictions: []Probability{{Probability: p}}}, nil
}

// Preprocess resizes buf to size x size and returns float NHWC data in BGR
// order with the training mean subtracted. The batch dimension is implied by
// the input tensor shape.
func Preprocess(buf *pixels.Buffer, size int) []float32 {
	resized := buf.Resize(size, size)
	data := make([]float32, len(resized.Pix))
	for i, v := range resized.Pix {
		data[i] = float32(v) - meanBGR[i%pixels.Channels]
	}
	return data
}

func probability(output []float32, index int) (float64, error) {
	if index < 0 || index >= len(output) {
		return 0, fmt.Errorf("%w: output has %d values, want index %d", ErrInference, len(output), index)
	}
	p := float64(output[index])
	if math.IsNaN(p) {
		return 0, fmt.Errorf("%w: model returned NaN", ErrInference)
	}
	return round4(math.Min(math.Max(p, 0), 1)), nil
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

func (e *Engine) Close() {
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	for i := len(e.cleanup) - 1; i >= 0; i-- {
		e.cleanup[i]()
	}
	e.cleanup = nil
}
