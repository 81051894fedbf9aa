//go:build onnx

// Package onnx provides a local embedder on ONNX Runtime, intended for
// sentence-transformer models like all-MiniLM-L6-v2. It needs the
// onnxruntime shared library installed; builds carry the "onnx" tag so
// hosts without the runtime still compile.
package onnx

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	ort "github.com/yalue/onnxruntime_go"
)

// Config configures the ONNX embedder.
type Config struct {
	// ModelPath is the path to the ONNX model file. Required.
	ModelPath string

	// TokenizerPath is the path to the HuggingFace tokenizer.json whose
	// WordPiece vocab the model was trained with. Required.
	TokenizerPath string

	// LibraryPath overrides where the onnxruntime shared library is
	// loaded from. Falls back to the ONNXRUNTIME_LIB environment
	// variable, then the system default lookup.
	LibraryPath string

	// Dimensions is the model's hidden size. Default: 384.
	Dimensions int

	// MaxSequenceLength bounds tokenized input; longer texts are
	// truncated. Default: 128.
	MaxSequenceLength int
}

// Embedder runs a BERT-style model and mean-pools the last hidden state
// into a unit vector.
type Embedder struct {
	session *ort.DynamicAdvancedSession
	vocab   *wordPieceVocab
	dims    int
	maxSeq  int
}

// New loads the model and tokenizer and prepares an inference session.
func New(cfg Config) (*Embedder, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("ModelPath is required")
	}
	if cfg.TokenizerPath == "" {
		return nil, fmt.Errorf("TokenizerPath is required")
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 384
	}
	if cfg.MaxSequenceLength <= 0 {
		cfg.MaxSequenceLength = 128
	}

	if lib := libraryPath(cfg); lib != "" {
		ort.SetSharedLibraryPath(lib)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", err)
	}

	vocab, err := loadWordPieceVocab(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create inference session: %w", err)
	}

	return &Embedder{
		session: session,
		vocab:   vocab,
		dims:    cfg.Dimensions,
		maxSeq:  cfg.MaxSequenceLength,
	}, nil
}

// Embed converts text to a unit embedding vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inputIDs, attentionMask := e.encode(text)
	seq := int64(e.maxSeq)
	shape := ort.NewShape(1, seq)

	idsTensor, err := ort.NewTensor(shape, inputIDs)
	if err != nil {
		return nil, fmt.Errorf("create input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()

	maskTensor, err := ort.NewTensor(shape, attentionMask)
	if err != nil {
		return nil, fmt.Errorf("create attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()

	typeTensor, err := ort.NewTensor(shape, make([]int64, e.maxSeq))
	if err != nil {
		return nil, fmt.Errorf("create token_type_ids tensor: %w", err)
	}
	defer typeTensor.Destroy()

	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{idsTensor, maskTensor, typeTensor}, outputs); err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	hidden, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type %T", outputs[0])
	}

	return e.pool(hidden, attentionMask)
}

// Dimensions returns the embedding vector size.
func (e *Embedder) Dimensions() int {
	return e.dims
}

// Close releases the inference session.
func (e *Embedder) Close() error {
	if e.session != nil {
		return e.session.Destroy()
	}
	return nil
}

// encode tokenizes text into fixed-length [CLS] ... [SEP] input buffers.
func (e *Embedder) encode(text string) (inputIDs, attentionMask []int64) {
	tokens := e.vocab.tokenize(text)
	if len(tokens) > e.maxSeq-2 {
		tokens = tokens[:e.maxSeq-2]
	}

	inputIDs = make([]int64, e.maxSeq)
	attentionMask = make([]int64, e.maxSeq)

	inputIDs[0] = e.vocab.cls
	attentionMask[0] = 1
	for i, tok := range tokens {
		inputIDs[i+1] = tok
		attentionMask[i+1] = 1
	}
	inputIDs[len(tokens)+1] = e.vocab.sep
	attentionMask[len(tokens)+1] = 1
	return inputIDs, attentionMask
}

// pool mean-pools the attended positions of [1, seq, hidden] into a unit
// vector. Models exporting a pre-pooled [1, hidden] output pass through.
func (e *Embedder) pool(hidden *ort.Tensor[float32], attentionMask []int64) ([]float32, error) {
	data := hidden.GetData()
	shape := hidden.GetShape()

	out := make([]float32, e.dims)
	switch len(shape) {
	case 2:
		if len(data) < e.dims {
			return nil, fmt.Errorf("output has %d values, want %d", len(data), e.dims)
		}
		copy(out, data[:e.dims])
	case 3:
		seqLen, hiddenSize := int(shape[1]), int(shape[2])
		if hiddenSize != e.dims {
			return nil, fmt.Errorf("hidden size %d, want %d", hiddenSize, e.dims)
		}
		var attended float32
		for i := 0; i < seqLen && i < len(attentionMask); i++ {
			if attentionMask[i] == 0 {
				continue
			}
			attended++
			row := data[i*hiddenSize : (i+1)*hiddenSize]
			for j, v := range row {
				out[j] += v
			}
		}
		if attended == 0 {
			return nil, fmt.Errorf("no attended tokens")
		}
		for j := range out {
			out[j] /= attended
		}
	default:
		return nil, fmt.Errorf("unexpected output shape %v", shape)
	}

	var norm float32
	for _, v := range out {
		norm += v * v
	}
	if norm > 0 {
		norm = float32(math.Sqrt(float64(norm)))
		for j := range out {
			out[j] /= norm
		}
	}
	return out, nil
}

func libraryPath(cfg Config) string {
	if cfg.LibraryPath != "" {
		return cfg.LibraryPath
	}
	return os.Getenv("ONNXRUNTIME_LIB")
}

// wordPieceVocab is the subset of a HuggingFace tokenizer.json needed for
// uncased WordPiece encoding.
type wordPieceVocab struct {
	ids map[string]int64
	cls int64
	sep int64
	unk int64
}

func loadWordPieceVocab(path string) (*wordPieceVocab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Model struct {
			Vocab map[string]int64 `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer has no vocab")
	}

	v := &wordPieceVocab{ids: parsed.Model.Vocab}
	v.cls = v.lookupSpecial("[CLS]", 101)
	v.sep = v.lookupSpecial("[SEP]", 102)
	v.unk = v.lookupSpecial("[UNK]", 100)
	return v, nil
}

func (v *wordPieceVocab) lookupSpecial(token string, fallback int64) int64 {
	if id, ok := v.ids[token]; ok {
		return id
	}
	return fallback
}

// tokenize lowercases, strips surrounding punctuation and applies
// greedy-longest-prefix WordPiece to each whitespace-separated word.
func (v *wordPieceVocab) tokenize(text string) []int64 {
	var tokens []int64
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()[]")
		if word == "" {
			continue
		}
		if id, ok := v.ids[word]; ok {
			tokens = append(tokens, id)
			continue
		}
		tokens = append(tokens, v.wordPiece(word)...)
	}
	return tokens
}

func (v *wordPieceVocab) wordPiece(word string) []int64 {
	var pieces []int64
	start := 0
	for start < len(word) {
		end := len(word)
		matched := false
		for end > start {
			piece := word[start:end]
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := v.ids[piece]; ok {
				pieces = append(pieces, id)
				start = end
				matched = true
				break
			}
			end--
		}
		if !matched {
			pieces = append(pieces, v.unk)
			start++
		}
	}
	return pieces
}
