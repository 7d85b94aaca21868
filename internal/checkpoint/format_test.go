package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/23skdu/longbow-quarrel/internal/config"
)

func tinyHparams() config.Hyperparameters {
	return config.Hyperparameters{
		VocabSize: 2, EmbdSize: 4, Mult: 8, Heads: 2, Layers: 1, RotSize: 2, FType: config.FTypeAllF32,
	}
}

func writeRawFile(t *testing.T, buf []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestReadHeaderParsesV0WithoutScores(t *testing.T) {
	tokens := []Token{{Bytes: []byte("a"), Score: 9}, {Bytes: []byte("b"), Score: 9}}
	tensor := rawTensor{Name: "t", Ne: []int{2}, Type: TypeF32, Payload: f32Payload([]float32{1, 2})}
	buf := buildRawHeader(V0, tinyHparams(), true, tokens, []rawTensor{tensor})
	path := writeRawFile(t, buf)

	h, err := readHeader(path, true)
	if err != nil {
		t.Fatalf("readHeader: %v", err)
	}
	if h.Ver != V0 {
		t.Fatalf("Ver = %v, want V0", h.Ver)
	}
	// V0 never encodes a score field; the builder's input score of 9 must
	// not appear anywhere in the decoded vocabulary.
	for i, tok := range h.Vocab.Tokens {
		if tok.Score != 0 {
			t.Fatalf("token %d score = %v, want 0 for V0", i, tok.Score)
		}
	}
	if len(h.Tensors) != 1 || h.Tensors[0].Name != "t" {
		t.Fatalf("Tensors = %+v", h.Tensors)
	}
}

func TestReadHeaderParsesV1WithScores(t *testing.T) {
	tokens := []Token{{Bytes: []byte("a"), Score: -1.5}, {Bytes: []byte("b"), Score: 2.5}}
	tensor := rawTensor{Name: "t", Ne: []int{2}, Type: TypeF32, Payload: f32Payload([]float32{1, 2})}
	buf := buildRawHeader(V1, tinyHparams(), true, tokens, []rawTensor{tensor})
	path := writeRawFile(t, buf)

	h, err := readHeader(path, true)
	if err != nil {
		t.Fatalf("readHeader: %v", err)
	}
	if h.Ver != V1 {
		t.Fatalf("Ver = %v, want V1", h.Ver)
	}
	if h.Vocab.Tokens[0].Score != -1.5 || h.Vocab.Tokens[1].Score != 2.5 {
		t.Fatalf("scores = %+v", h.Vocab.Tokens)
	}
}

func TestReadHeaderV2AppliesPayloadAlignment(t *testing.T) {
	tokens := []Token{{Bytes: []byte("a"), Score: 0}, {Bytes: []byte("b"), Score: 0}}
	tensor := rawTensor{Name: "odd_name", Ne: []int{4}, Type: TypeF32, Payload: f32Payload([]float32{1, 2, 3, 4})}
	buf := buildRawHeader(V2, tinyHparams(), true, tokens, []rawTensor{tensor})
	path := writeRawFile(t, buf)

	h, err := readHeader(path, true)
	if err != nil {
		t.Fatalf("readHeader: %v", err)
	}
	if h.Tensors[0].Offset%32 != 0 {
		t.Fatalf("V2 tensor offset = %d, want multiple of 32", h.Tensors[0].Offset)
	}
}

func TestReadHeaderRejectsBadMagic(t *testing.T) {
	buf := []byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 0}
	path := writeRawFile(t, buf)
	if _, err := readHeader(path, true); err == nil {
		t.Fatal("expected error for bad magic")
	} else if _, ok := err.(ErrBadFormat); !ok {
		t.Fatalf("err = %#v, want ErrBadFormat", err)
	}
}

func TestReadHeaderRejectsUnrecognisedTensorType(t *testing.T) {
	tensor := rawTensor{Name: "t", Ne: []int{2}, Type: ElementType(99), Payload: []byte{}}
	buf := buildRawHeader(V1, tinyHparams(), false, nil, []rawTensor{tensor})
	path := writeRawFile(t, buf)
	if _, err := readHeader(path, false); err == nil {
		t.Fatal("expected error for unrecognised element type")
	} else if _, ok := err.(ErrBadFormat); !ok {
		t.Fatalf("err = %#v, want ErrBadFormat", err)
	}
}

func TestReadHeaderWithoutVocabSkipsVocabSection(t *testing.T) {
	tensor := rawTensor{Name: "t", Ne: []int{2}, Type: TypeF32, Payload: f32Payload([]float32{5, 6})}
	buf := buildRawHeader(V1, tinyHparams(), false, nil, []rawTensor{tensor})
	path := writeRawFile(t, buf)

	h, err := readHeader(path, false)
	if err != nil {
		t.Fatalf("readHeader: %v", err)
	}
	if h.Vocab != nil {
		t.Fatalf("Vocab = %+v, want nil when hasVocab is false", h.Vocab)
	}
	if len(h.Tensors) != 1 {
		t.Fatalf("Tensors = %+v", h.Tensors)
	}
}
