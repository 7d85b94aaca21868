package tokenizer

import (
	"container/heap"

	"github.com/23skdu/longbow-quarrel/internal/checkpoint"
)

// Tokenizer performs greedy bigram-merge (SentencePiece-style) encoding
// and the matching decode, §4.6. It is built directly on the vocabulary
// loaded by internal/checkpoint, which carries per-token scores.
type Tokenizer struct {
	vocab *checkpoint.Vocabulary
}

func New(vocab *checkpoint.Vocabulary) *Tokenizer {
	return &Tokenizer{vocab: vocab}
}

// symbol is one node of the doubly-linked list the merge loop operates
// on, §4.6 step 2. prev/next are indices into the symbol slice, -1 for
// "none". dead marks a node absorbed into its predecessor by a merge;
// index 0 is never dead, since a merge always removes the right-hand
// side of a pair and index 0 has no predecessor to be the right side of.
type symbol struct {
	text       []byte
	prev, next int
	dead       bool
}

// bigram is a merge candidate: the pair formed by symbols at indices
// left and left's successor, with the score and resulting byte length
// the merge would produce, §4.6 step 4.
type bigram struct {
	left  int
	text  []byte
	score float32
	size  int
}

// bigramQueue orders candidates by score descending, then by left index
// ascending on ties. The tie-break is load-bearing: without it, re-heaped
// equal-score candidates compare unequal to identically-scored runs
// produced by a second process and the two diverge on which merge wins.
type bigramQueue []*bigram

func (q bigramQueue) Len() int { return len(q) }
func (q bigramQueue) Less(i, j int) bool {
	if q[i].score != q[j].score {
		return q[i].score > q[j].score
	}
	return q[i].left < q[j].left
}
func (q bigramQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *bigramQueue) Push(x any)   { *q = append(*q, x.(*bigram)) }
func (q *bigramQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// utf8Len returns the byte length of the UTF-8 codepoint starting at b,
// per the leading-byte pattern, §4.6 step 1. Invalid leading bytes are
// treated as single bytes so malformed input still makes progress.
func utf8Len(b byte) int {
	switch {
	case b&0x80 == 0x00:
		return 1
	case b&0xE0 == 0xC0:
		return 2
	case b&0xF0 == 0xE0:
		return 3
	case b&0xF8 == 0xF0:
		return 4
	default:
		return 1
	}
}

// Encode tokenizes text into vocabulary ids via greedy pairwise merging,
// §4.6. When bos is true, TokenBOS is prepended to the result.
func (t *Tokenizer) Encode(text string, bos bool) []int {
	raw := []byte(text)
	syms := make([]symbol, 0, len(raw))
	for i := 0; i < len(raw); {
		n := utf8Len(raw[i])
		if i+n > len(raw) {
			n = len(raw) - i
		}
		syms = append(syms, symbol{text: raw[i : i+n], prev: len(syms) - 1, next: -1})
		i += n
	}
	for i := range syms {
		if i+1 < len(syms) {
			syms[i].next = i + 1
		}
	}

	var ids []int
	if bos {
		ids = append(ids, checkpoint.TokenBOS)
	}
	if len(syms) == 0 {
		return ids
	}

	pq := &bigramQueue{}
	heap.Init(pq)
	tryAdd := func(left int) {
		if left < 0 || syms[left].next < 0 {
			return
		}
		right := syms[left].next
		merged := append(append([]byte(nil), syms[left].text...), syms[right].text...)
		if id, ok := t.vocab.ByBytes[string(merged)]; ok {
			heap.Push(pq, &bigram{
				left:  left,
				text:  merged,
				score: t.vocab.Tokens[id].Score,
				size:  len(merged),
			})
		}
	}
	for i := range syms {
		tryAdd(i)
	}

	for pq.Len() > 0 {
		b := heap.Pop(pq).(*bigram)
		left := b.left
		if syms[left].dead || syms[left].next < 0 {
			continue // stale: left itself was absorbed, or has no successor left to merge
		}
		right := syms[left].next
		if len(syms[left].text)+len(syms[right].text) != b.size {
			continue // stale: left's content changed since this candidate was queued
		}
		merged := append(append([]byte(nil), syms[left].text...), syms[right].text...)
		if string(merged) != string(b.text) {
			continue
		}

		syms[left].text = merged
		syms[left].next = syms[right].next
		if syms[right].next >= 0 {
			syms[syms[right].next].prev = left
		}
		syms[right].dead = true

		tryAdd(syms[left].prev)
		tryAdd(left)
	}

	for i := 0; i != -1; i = syms[i].next {
		ids = append(ids, t.pieceToIDs(syms[i].text)...)
	}
	return ids
}

// pieceToIDs resolves one final merged piece to one or more vocabulary
// ids, falling back to per-byte tokens (id = byte + 3) for any piece
// that never matched a vocabulary entry, §4.6 step 6.
func (t *Tokenizer) pieceToIDs(piece []byte) []int {
	if id, ok := t.vocab.ByBytes[string(piece)]; ok {
		return []int{id}
	}
	ids := make([]int, len(piece))
	for i, b := range piece {
		ids[i] = int(b) + 3
	}
	return ids
}

// Decode renders a sequence of ids back to text. BOS/EOS ids are
// dropped; everything else is resolved through the vocabulary table
// (byte-fallback ids resolve to single-byte pieces since the byte-token
// range was populated that way in NewVocabulary's reserved ids).
func (t *Tokenizer) Decode(ids []int) string {
	out := make([]byte, 0, len(ids)*4)
	for _, id := range ids {
		switch {
		case id == checkpoint.TokenBOS || id == checkpoint.TokenEOS:
			continue
		case id >= 0 && id < t.vocab.Size():
			out = append(out, t.vocab.Tokens[id].Bytes...)
		}
	}
	return string(out)
}

// TokenToStr returns the raw byte piece for a single vocabulary id.
func (t *Tokenizer) TokenToStr(id int) []byte {
	if id < 0 || id >= t.vocab.Size() {
		return nil
	}
	return t.vocab.Tokens[id].Bytes
}

func (t *Tokenizer) VocabSize() int { return t.vocab.Size() }
