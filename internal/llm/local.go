package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/hybridgroup/yzma/pkg/llama"
)

// llama.Load and llama.Init are process-global and must run once.
var (
	libOnce    sync.Once
	libLoadErr error
)

func loadLib(libPath string) error {
	libOnce.Do(func() {
		if err := llama.Load(libPath); err != nil {
			libLoadErr = fmt.Errorf("loading yzma shared library from %q: %w", libPath, err)
			return
		}
		llama.LogSet(llama.LogSilent())
		llama.Init()
	})
	return libLoadErr
}

// LocalConfig configures the local GGUF embedder.
type LocalConfig struct {
	// LibPath is the directory containing the llama.cpp shared libraries.
	// Falls back to YZMA_LIB at runtime.
	LibPath string

	// ModelPath is the GGUF embedding model.
	ModelPath string

	// GPULayers is the number of layers to offload to GPU (0 = CPU only).
	GPULayers int
}

// LocalEmbedder computes embeddings in-process with a GGUF model loaded
// through hybridgroup/yzma. The model is loaded lazily on first Embed and all
// model access is serialized.
type LocalEmbedder struct {
	libPath   string
	modelPath string
	gpuLayers int

	mu      sync.Mutex
	once    sync.Once
	model   llama.Model
	vocab   llama.Vocab
	nEmbd   int32
	loaded  bool
	loadErr error
}

// NewLocalEmbedder creates a LocalEmbedder. Nothing is loaded until first use.
func NewLocalEmbedder(cfg LocalConfig) *LocalEmbedder {
	libPath := cfg.LibPath
	if libPath == "" {
		libPath = os.Getenv("YZMA_LIB")
	}
	return &LocalEmbedder{
		libPath:   libPath,
		modelPath: cfg.ModelPath,
		gpuLayers: cfg.GPULayers,
	}
}

// Available reports whether the library directory and model file exist.
// It does not load either.
func (e *LocalEmbedder) Available() bool {
	if e.libPath == "" || e.modelPath == "" {
		return false
	}
	if info, err := os.Stat(e.libPath); err != nil || !info.IsDir() {
		return false
	}
	_, err := os.Stat(e.modelPath)
	return err == nil
}

func (e *LocalEmbedder) load() error {
	e.once.Do(func() {
		if e.modelPath == "" {
			e.loadErr = errors.New("no model path configured")
			return
		}
		if e.libPath == "" {
			e.loadErr = errors.New("no library path configured (set local_lib_path or YZMA_LIB)")
			return
		}
		if err := loadLib(e.libPath); err != nil {
			e.loadErr = err
			return
		}

		params := llama.ModelDefaultParams()
		params.NGpuLayers = int32(min(e.gpuLayers, math.MaxInt32))

		model, err := llama.ModelLoadFromFile(e.modelPath, params)
		if err != nil {
			e.loadErr = fmt.Errorf("loading model %s: %w", e.modelPath, err)
			return
		}
		if model == 0 {
			e.loadErr = fmt.Errorf("loading model %s: returned null handle", e.modelPath)
			return
		}

		e.model = model
		e.vocab = llama.ModelGetVocab(model)
		e.nEmbd = int32(llama.ModelNEmbd(model))
		e.loaded = true
	})
	return e.loadErr
}

// Embed returns an L2-normalized embedding of text. A fresh llama context is
// created per call and freed before returning.
func (e *LocalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.load(); err != nil {
		return nil, fmt.Errorf("local embed: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tokens := llama.Tokenize(e.vocab, text, true, true)

	ctxParams := llama.ContextDefaultParams()
	ctxParams.NCtx = uint32(min(len(tokens)+64, math.MaxUint32))

	lctx, err := llama.InitFromModel(e.model, ctxParams)
	if err != nil {
		return nil, fmt.Errorf("creating embedding context: %w", err)
	}
	defer func() { _ = llama.Free(lctx) }()

	llama.SetEmbeddings(lctx, true)

	if _, err := llama.Decode(lctx, llama.BatchGetOne(tokens)); err != nil {
		return nil, fmt.Errorf("decoding tokens: %w", err)
	}

	raw, err := llama.GetEmbeddingsSeq(lctx, 0, e.nEmbd)
	if err != nil {
		return nil, fmt.Errorf("getting embeddings: %w", err)
	}

	// raw is owned by lctx.
	vec := make([]float32, len(raw))
	copy(vec, raw)
	normalize(vec)
	return vec, nil
}

// Close frees the model. llama.Close is process-global and is not called.
func (e *LocalEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.loaded {
		_ = llama.ModelFree(e.model)
		e.model = 0
		e.vocab = 0
		e.nEmbd = 0
		e.loaded = false
		e.once = sync.Once{}
	}
	return nil
}
