package tokenizer

import (
	"reflect"
	"testing"

	"github.com/23skdu/longbow-quarrel/internal/checkpoint"
)

// buildVocab constructs a small test vocabulary: reserved ids 0-2, every
// single byte that pieces will fall back to, plus a handful of merged
// multi-byte pieces with scores high enough to win over their
// constituent bytes.
func buildVocab(extra map[string]float32) *checkpoint.Vocabulary {
	v := checkpoint.NewVocabulary(300)
	v.Add([]byte("<unk>"), 0)
	v.Add([]byte("<s>"), 0)
	v.Add([]byte("</s>"), 0)
	for b := 0; b < 256; b++ {
		v.Add([]byte{byte(b)}, -1000)
	}
	for piece, score := range extra {
		v.Add([]byte(piece), score)
	}
	return v
}

func TestEncodeMergesHighestScoringPairFirst(t *testing.T) {
	vocab := buildVocab(map[string]float32{
		"he":    1.0,
		"ll":    2.0,
		"o":     -1000,
		"hell":  3.0,
		"hello": 4.0,
	})
	tk := New(vocab)

	ids := tk.Encode("hello", false)
	want := []int{vocab.ByBytes["hello"]}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("Encode(hello) = %v, want %v", ids, want)
	}
}

func TestEncodePrependsBOS(t *testing.T) {
	vocab := buildVocab(nil)
	tk := New(vocab)

	ids := tk.Encode("a", true)
	if len(ids) == 0 || ids[0] != checkpoint.TokenBOS {
		t.Fatalf("Encode with bos=true = %v, want leading TokenBOS", ids)
	}
}

func TestEncodeEmptyString(t *testing.T) {
	vocab := buildVocab(nil)
	tk := New(vocab)

	if ids := tk.Encode("", false); len(ids) != 0 {
		t.Fatalf("Encode(\"\") = %v, want empty", ids)
	}
	if ids := tk.Encode("", true); !reflect.DeepEqual(ids, []int{checkpoint.TokenBOS}) {
		t.Fatalf("Encode(\"\", bos) = %v, want [TokenBOS]", ids)
	}
}

func TestEncodeFallsBackToBytes(t *testing.T) {
	vocab := buildVocab(nil) // no multi-byte pieces at all
	tk := New(vocab)

	ids := tk.Encode("AB", false)
	want := []int{int('A') + 3, int('B') + 3}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("Encode(AB) = %v, want byte fallback %v", ids, want)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	vocab := buildVocab(map[string]float32{"hello": 4.0})
	tk := New(vocab)

	ids := tk.Encode("hello world", false)
	text := tk.Decode(ids)
	if text != "hello world" {
		t.Fatalf("round trip = %q, want %q", text, "hello world")
	}
}

func TestDecodeDropsBOSAndEOS(t *testing.T) {
	vocab := buildVocab(nil)
	tk := New(vocab)

	text := tk.Decode([]int{checkpoint.TokenBOS, 'a' + 3, checkpoint.TokenEOS})
	if text != "a" {
		t.Fatalf("Decode with BOS/EOS = %q, want %q", text, "a")
	}
}

func TestTokenToStrAndVocabSize(t *testing.T) {
	vocab := buildVocab(map[string]float32{"hi": 1.0})
	tk := New(vocab)

	if tk.VocabSize() != vocab.Size() {
		t.Fatalf("VocabSize() = %d, want %d", tk.VocabSize(), vocab.Size())
	}
	id := vocab.ByBytes["hi"]
	if got := string(tk.TokenToStr(id)); got != "hi" {
		t.Fatalf("TokenToStr(%d) = %q, want %q", id, got, "hi")
	}
	if tk.TokenToStr(-1) != nil {
		t.Fatalf("TokenToStr(-1) should be nil")
	}
	if tk.TokenToStr(vocab.Size()+10) != nil {
		t.Fatalf("TokenToStr(out of range) should be nil")
	}
}
