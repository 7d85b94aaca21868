package checkpoint

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/23skdu/longbow-quarrel/internal/config"
)

// reader is the low-level file-I/O contract shared by every version's
// header/vocab/tensor-info parsing, §4.1. It wraps a *os.File with a
// buffered front end for the sequential header scan; tensor payloads are
// located by absolute offset once the scan is done, so callers reopen or
// seek directly rather than going through this type for bulk data.
type reader struct {
	f    *os.File
	br    *bufio.Reader
	pos  int64
	path string
}

func newReader(path string) (*reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &reader{f: f, br: bufio.NewReaderSize(f, 1<<16), path: path}, nil
}

func (r *reader) Close() error { return r.f.Close() }

func (r *reader) readU32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r.br, buf[:]); err != nil {
		return 0, err
	}
	r.pos += 4
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (r *reader) readI32() (int32, error) {
	v, err := r.readU32()
	return int32(v), err
}

func (r *reader) readF32() (float32, error) {
	v, err := r.readU32()
	return math.Float32frombits(v), err
}

func (r *reader) readRaw(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.br, buf); err != nil {
		return nil, err
	}
	r.pos += int64(n)
	return buf, nil
}

func (r *reader) readString(n int) (string, error) {
	b, err := r.readRaw(n)
	return string(b), err
}

// skipAlignment advances past V2's 32-byte payload alignment padding,
// §4.1: tensor data for GGJT files starts at the next multiple of 32
// relative to file start.
func (r *reader) skipAlignment(align int64) error {
	rem := r.pos % align
	if rem == 0 {
		return nil
	}
	pad := align - rem
	if _, err := r.readRaw(int(pad)); err != nil {
		return err
	}
	return nil
}

// header is the parsed, version-independent result of scanning one
// shard's magic/version/hparams/vocab/tensor-info section, §4.1.
type header struct {
	Version config.FType
	Ver     FileVersion
	Hparams config.Hyperparameters
	Vocab   *Vocabulary // nil on shards after the first; only shard 0 carries vocab
	Tensors []TensorShard
}

// readHeader parses one file's header section per §4.1. hasVocab controls
// whether the vocabulary table is expected (only true for the first shard
// in a multi-file model, or always for single-file models).
func readHeader(path string, hasVocab bool) (*header, error) {
	r, err := newReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	magic, err := r.readU32()
	if err != nil {
		return nil, ErrBadFormat{Reason: fmt.Sprintf("%s: cannot read magic: %v", path, err)}
	}
	version, err := r.readU32()
	if err != nil {
		return nil, ErrBadFormat{Reason: fmt.Sprintf("%s: cannot read version: %v", path, err)}
	}
	ver := identifyVersion(magic, version)
	if ver == VersionUnknown {
		return nil, ErrBadFormat{Reason: fmt.Sprintf("%s: unrecognised magic/version %x/%d", path, magic, version)}
	}

	h := &header{Ver: ver}

	vocabSize, err := r.readI32()
	if err != nil {
		return nil, err
	}
	embd, err := r.readI32()
	if err != nil {
		return nil, err
	}
	mult, err := r.readI32()
	if err != nil {
		return nil, err
	}
	heads, err := r.readI32()
	if err != nil {
		return nil, err
	}
	layers, err := r.readI32()
	if err != nil {
		return nil, err
	}
	rot, err := r.readI32()
	if err != nil {
		return nil, err
	}
	ftype, err := r.readI32()
	if err != nil {
		return nil, err
	}

	h.Hparams = config.Hyperparameters{
		VocabSize: int(vocabSize),
		EmbdSize:  int(embd),
		Mult:      int(mult),
		Heads:     int(heads),
		Layers:    int(layers),
		RotSize:   int(rot),
		FType:     config.FType(ftype),
	}

	if hasVocab {
		vocab := NewVocabulary(int(vocabSize))
		for i := 0; i < int(vocabSize); i++ {
			length, err := r.readU32()
			if err != nil {
				return nil, err
			}
			text, err := r.readRaw(int(length))
			if err != nil {
				return nil, err
			}
			var score float32
			if ver != V0 {
				score, err = r.readF32()
				if err != nil {
					return nil, err
				}
			}
			vocab.Add(text, score)
		}
		h.Vocab = vocab
	}

	for {
		_, err := r.peekByteOrEOF()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		nDims, err := r.readI32()
		if err != nil {
			return nil, err
		}
		nameLen, err := r.readI32()
		if err != nil {
			return nil, err
		}
		elemType, err := r.readI32()
		if err != nil {
			return nil, err
		}
		ne := make([]int, nDims)
		for d := 0; d < int(nDims); d++ {
			v, err := r.readI32()
			if err != nil {
				return nil, err
			}
			ne[d] = int(v)
		}
		name, err := r.readString(int(nameLen))
		if err != nil {
			return nil, err
		}

		t := ElementType(elemType)
		if t != TypeF32 && t != TypeF16 && t != TypeQ4_0 && t != TypeQ4_1 {
			return nil, ErrBadFormat{Reason: fmt.Sprintf("%s: tensor %s has unrecognised type %d", path, name, elemType)}
		}

		if ver == V2 {
			if err := r.skipAlignment(32); err != nil {
				return nil, err
			}
		}

		n := 1
		for _, d := range ne {
			n *= d
		}
		size := PayloadSize(t, n)

		h.Tensors = append(h.Tensors, TensorShard{
			Name:   name,
			Ne:     ne,
			Type:   t,
			Offset: r.pos,
		})

		if _, err := r.readRaw(int(size)); err != nil {
			return nil, err
		}
	}

	return h, nil
}

// peekByteOrEOF reports io.EOF without consuming input, used to detect
// the end of the tensor-info list.
func (r *reader) peekByteOrEOF() (byte, error) {
	b, err := r.br.Peek(1)
	if err != nil {
		return 0, io.EOF
	}
	return b[0], nil
}
