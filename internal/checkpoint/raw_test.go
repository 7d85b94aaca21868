package checkpoint

import (
	"encoding/binary"
	"math"

	"github.com/23skdu/longbow-quarrel/internal/config"
)

// rawTensor is a hand-built tensor-info entry for exercising readHeader
// directly against every file version, without going through Writer
// (which only ever emits V2).
type rawTensor struct {
	Name    string
	Ne      []int
	Type    ElementType
	Payload []byte
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendI32(buf []byte, v int32) []byte   { return appendU32(buf, uint32(v)) }
func appendF32(buf []byte, v float32) []byte { return appendU32(buf, math.Float32bits(v)) }

func magicForVersion(ver FileVersion) (uint32, uint32) {
	switch ver {
	case V0:
		return magicGGML, 0
	case V1:
		return magicGGMF, 1
	case V2:
		return magicGGJT, 1
	default:
		return 0, 0
	}
}

// buildRawHeader assembles the byte-exact on-disk layout readHeader
// expects for the given version: magic/version, the seven hparam fields,
// an optional vocabulary section (scores omitted entirely for V0), and a
// tensor-info/payload section with V2's 32-byte payload alignment applied
// only when ver == V2.
func buildRawHeader(ver FileVersion, h config.Hyperparameters, hasVocab bool, tokens []Token, tensors []rawTensor) []byte {
	magic, version := magicForVersion(ver)
	buf := make([]byte, 0, 256)
	buf = appendU32(buf, magic)
	buf = appendU32(buf, version)
	buf = appendI32(buf, int32(h.VocabSize))
	buf = appendI32(buf, int32(h.EmbdSize))
	buf = appendI32(buf, int32(h.Mult))
	buf = appendI32(buf, int32(h.Heads))
	buf = appendI32(buf, int32(h.Layers))
	buf = appendI32(buf, int32(h.RotSize))
	buf = appendI32(buf, int32(h.FType))

	if hasVocab {
		for _, tok := range tokens {
			buf = appendU32(buf, uint32(len(tok.Bytes)))
			buf = append(buf, tok.Bytes...)
			if ver != V0 {
				buf = appendF32(buf, tok.Score)
			}
		}
	}

	for _, ts := range tensors {
		buf = appendI32(buf, int32(len(ts.Ne)))
		buf = appendI32(buf, int32(len(ts.Name)))
		buf = appendI32(buf, int32(ts.Type))
		for _, d := range ts.Ne {
			buf = appendI32(buf, int32(d))
		}
		buf = append(buf, []byte(ts.Name)...)
		if ver == V2 {
			if rem := len(buf) % 32; rem != 0 {
				buf = append(buf, make([]byte, 32-rem)...)
			}
		}
		buf = append(buf, ts.Payload...)
	}
	return buf
}

func f32Payload(vals []float32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], math.Float32bits(v))
	}
	return out
}
