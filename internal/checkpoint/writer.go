package checkpoint

import (
	"bufio"
	"encoding/binary"
	"math"
	"os"

	"github.com/23skdu/longbow-quarrel/internal/config"
)

// Writer emits a GGJT v1 ("ggjt", 1) checkpoint, the only version the
// quantiser and any future re-serialization path produce, §4.1/§4.8.
// Earlier versions are read-only; V2's 32-byte payload alignment is what
// makes the output mmap-able.
type Writer struct {
	f  *os.File
	bw *bufio.Writer
	w  int64
}

func NewWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &Writer{f: f, bw: bufio.NewWriterSize(f, 1<<16)}, nil
}

func (w *Writer) Close() error {
	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

func (w *Writer) writeU32(v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	n, err := w.bw.Write(buf[:])
	w.w += int64(n)
	return err
}

func (w *Writer) writeI32(v int32) error { return w.writeU32(uint32(v)) }

func (w *Writer) writeF32(v float32) error { return w.writeU32(math.Float32bits(v)) }

func (w *Writer) writeRaw(b []byte) error {
	n, err := w.bw.Write(b)
	w.w += int64(n)
	return err
}

// WriteHeader writes the magic/version/hparams triad, then every vocab
// entry including scores (GGJT always carries scores; a vocabulary
// sourced from a V0 reference loader has them zero-filled, which callers
// should warn about since V0 never had real scores to begin with).
func (w *Writer) WriteHeader(hparams config.Hyperparameters, vocab *Vocabulary) error {
	if err := w.writeU32(magicGGJT); err != nil {
		return err
	}
	if err := w.writeU32(1); err != nil {
		return err
	}
	fields := []int32{
		int32(hparams.VocabSize), int32(hparams.EmbdSize), int32(hparams.Mult),
		int32(hparams.Heads), int32(hparams.Layers), int32(hparams.RotSize), int32(hparams.FType),
	}
	for _, v := range fields {
		if err := w.writeI32(v); err != nil {
			return err
		}
	}
	for _, tok := range vocab.Tokens {
		if err := w.writeU32(uint32(len(tok.Bytes))); err != nil {
			return err
		}
		if err := w.writeRaw(tok.Bytes); err != nil {
			return err
		}
		if err := w.writeF32(tok.Score); err != nil {
			return err
		}
	}
	return nil
}

// WriteTensor appends one tensor's info block (with 32-byte alignment
// padding before the payload) followed by its raw on-disk bytes.
// Payload must already be encoded in elemType's wire format.
func (w *Writer) WriteTensor(name string, ne []int, elemType ElementType, payload []byte) error {
	if err := w.writeI32(int32(len(ne))); err != nil {
		return err
	}
	if err := w.writeI32(int32(len(name))); err != nil {
		return err
	}
	if err := w.writeI32(int32(elemType)); err != nil {
		return err
	}
	for _, d := range ne {
		if err := w.writeI32(int32(d)); err != nil {
			return err
		}
	}
	if err := w.writeRaw([]byte(name)); err != nil {
		return err
	}
	rem := w.w % 32
	if rem != 0 {
		if err := w.writeRaw(make([]byte, 32-rem)); err != nil {
			return err
		}
	}
	return w.writeRaw(payload)
}
