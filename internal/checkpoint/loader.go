package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-quarrel/internal/config"
)

// Model is the in-memory result of loading a (possibly sharded)
// checkpoint, §4.2. It owns the mapped or buffered shard files for the
// lifetime of the engine context built on top of it.
type Model struct {
	Version FileVersion
	Hparams config.Hyperparameters
	Vocab   *Vocabulary

	records map[string]*TensorRecord
	order   []string // insertion order, for done_getting_tensors' leftover report

	shardFiles []shardFile
	useMmap    bool

	log zerolog.Logger
}

type shardFile struct {
	path string
	f    *os.File
	data []byte // mmap'd view, nil if useMmap is false
	size int64
}

// LoadOptions configures Load, §4.2.
type LoadOptions struct {
	ContextSize int // overrides the file's own n_ctx in the resulting Hyperparameters
	UseMmap     bool
	UseMlock    bool
	VocabOnly   bool
	Progress    config.ProgressCallback
	ProgressData any
	Logger      zerolog.Logger
}

// shardPaths returns path plus any numbered sibling shards
// ("name.1", "name.2", ...) that llama-family sharded checkpoints use,
// in ascending order, §4.2 step 1.
func shardPaths(path string) ([]string, error) {
	paths := []string{path}
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	for i := 1; ; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s.%d", base, i))
		if _, err := os.Stat(candidate); err != nil {
			break
		}
		paths = append(paths, candidate)
	}
	return paths, nil
}

// Load opens every shard of the checkpoint rooted at path, reading the
// shard headers concurrently, then validates hparams/version and
// tensor-shape consistency across shards and reassembles the tensor
// record table, §4.2.
func Load(path string, opts LoadOptions) (*Model, error) {
	var paths []string
	if opts.VocabOnly {
		// §4.2 step 1: n_parts=1, open only the base file — vocabulary and
		// hparams live entirely in shard 0's header, so sibling shards are
		// never touched.
		paths = []string{path}
	} else {
		var err error
		paths, err = shardPaths(path)
		if err != nil {
			return nil, err
		}
	}

	headers := make([]*header, len(paths))
	var g errgroup.Group
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			h, err := readHeader(p, i == 0)
			if err != nil {
				return fmt.Errorf("shard %s: %w", p, err)
			}
			headers[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	first := headers[0]
	for i := 1; i < len(headers); i++ {
		if err := validateConsistentHparams(first.Hparams, headers[i].Hparams); err != nil {
			return nil, ErrInconsistent{Reason: fmt.Sprintf("shard %s: hyperparameters differ from shard 0", paths[i])}
		}
		if headers[i].Ver != first.Ver {
			return nil, ErrInconsistent{Reason: fmt.Sprintf("shard %s: version differs from shard 0", paths[i])}
		}
	}

	hparams := first.Hparams
	hparams.RotSize = hparams.EmbdSize / hparams.Heads
	if opts.ContextSize > 0 {
		hparams.ContextSize = opts.ContextSize
	} else {
		hparams.ContextSize = config.Default().ContextSize
	}
	if err := hparams.Validate(); err != nil {
		return nil, err
	}

	m := &Model{
		Version: first.Ver,
		Hparams: hparams,
		Vocab:   first.Vocab,
		records: make(map[string]*TensorRecord),
		log:     opts.Logger,
	}

	// useMmap is only honored for V2 (32-byte aligned payloads); V0/V1
	// tensor data is not guaranteed 4-byte aligned for arbitrary shapes,
	// so mmap'ing it and handing out unaligned float32 slices would be
	// undefined behaviour, §4.2 step 4.
	m.useMmap = opts.UseMmap && first.Ver == V2

	for i, p := range paths {
		sf, err := openShard(p, m.useMmap)
		if err != nil {
			return nil, err
		}
		m.shardFiles = append(m.shardFiles, sf)

		for _, shard := range headers[i].Tensors {
			shard.FileIndex = i
			rec, ok := m.records[shard.Name]
			if !ok {
				rec = &TensorRecord{}
				m.records[shard.Name] = rec
				m.order = append(m.order, shard.Name)
			}
			if err := rec.AddShard(shard); err != nil {
				return nil, err
			}
		}
	}

	for _, name := range m.order {
		if err := m.records[name].Finalize(); err != nil {
			return nil, err
		}
	}

	if opts.UseMlock {
		for _, sf := range m.shardFiles {
			if sf.data != nil {
				if err := mlock(sf.data); err != nil {
					m.log.Warn().Err(err).Str("path", sf.path).Msg("mlock failed, continuing without it")
				}
			}
		}
	}

	// §4.2 step 8: suppressed when mmap is used without mlock, since the
	// pages are faulted in lazily on first touch rather than during Load.
	if opts.Progress != nil && !(m.useMmap && !opts.UseMlock) {
		opts.Progress(1.0, opts.ProgressData)
	}

	return m, nil
}

// mlock pins mapped pages in physical memory so the checkpoint cannot be
// swapped out under memory pressure, §4.2 step 4 (UseMlock). Best-effort:
// callers log and continue on failure rather than aborting the load.
func mlock(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return syscall.Mlock(data)
}

func validateConsistentHparams(a, b config.Hyperparameters) error {
	if a.VocabSize != b.VocabSize || a.EmbdSize != b.EmbdSize || a.Mult != b.Mult ||
		a.Heads != b.Heads || a.Layers != b.Layers || a.FType != b.FType {
		return ErrInconsistent{Reason: "hyperparameters differ between shards"}
	}
	return nil
}

func openShard(path string, useMmap bool) (shardFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return shardFile{}, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return shardFile{}, err
	}
	sf := shardFile{path: path, f: f, size: info.Size()}
	if useMmap {
		data, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
		if err != nil {
			f.Close()
			return shardFile{}, fmt.Errorf("mmap %s: %w", path, err)
		}
		sf.data = data
	}
	return sf, nil
}

// Close releases every shard's file handle and mmap, if any.
func (m *Model) Close() error {
	var firstErr error
	for _, sf := range m.shardFiles {
		if sf.data != nil {
			if err := syscall.Munmap(sf.data); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := sf.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetTensor returns the reassembled F32 data for a logical tensor name,
// materializing it from its shard(s) on first access and marking the
// record claimed, §4.2 steps 5-7.
func (m *Model) GetTensor(name string) ([]float32, []int, error) {
	rec, ok := m.records[name]
	if !ok {
		return nil, nil, ErrMissingTensor{Name: name}
	}
	rec.claimed = true

	if len(rec.Shards) == 1 {
		data, err := m.readShardPayload(rec.Shards[0])
		if err != nil {
			return nil, nil, err
		}
		return decodeToF32(data, rec.Shards[0].Type, rec.LogicalSize()), rec.Ne, nil
	}

	out := make([]float32, rec.LogicalSize())
	switch rec.SplitMode {
	case SplitByRows:
		destOff := 0
		for _, s := range rec.Shards {
			data, err := m.readShardPayload(s)
			if err != nil {
				return nil, nil, err
			}
			n := 1
			for _, d := range s.Ne {
				n *= d
			}
			f32 := decodeToF32(data, s.Type, n)
			copy(out[destOff:destOff+len(f32)], f32)
			destOff += len(f32)
		}
	case SplitByColumns:
		// Interleave: logical row r's columns are the concatenation of
		// shard 0's row r, shard 1's row r, ..., §4.2 step 6.
		cols := rec.Ne[0]
		rows := 1
		if len(rec.Ne) == 2 {
			rows = rec.Ne[1]
		}
		shardCols := cols / len(rec.Shards)
		decoded := make([][]float32, len(rec.Shards))
		for i, s := range rec.Shards {
			data, err := m.readShardPayload(s)
			if err != nil {
				return nil, nil, err
			}
			n := 1
			for _, d := range s.Ne {
				n *= d
			}
			decoded[i] = decodeToF32(data, s.Type, n)
		}
		for r := 0; r < rows; r++ {
			for i := range decoded {
				src := decoded[i][r*shardCols : r*shardCols+shardCols]
				copy(out[r*cols+i*shardCols:r*cols+i*shardCols+shardCols], src)
			}
		}
	default:
		return nil, nil, ErrInconsistent{Reason: "multi-shard record " + name + " has no split mode"}
	}
	return out, rec.Ne, nil
}

func (m *Model) readShardPayload(s TensorShard) ([]byte, error) {
	sf := m.shardFiles[s.FileIndex]
	n := 1
	for _, d := range s.Ne {
		n *= d
	}
	size := PayloadSize(s.Type, n)
	if sf.data != nil {
		return sf.data[s.Offset : s.Offset+size], nil
	}
	buf := make([]byte, size)
	if _, err := sf.f.ReadAt(buf, s.Offset); err != nil {
		return nil, err
	}
	return buf, nil
}

func decodeToF32(data []byte, t ElementType, n int) []float32 {
	switch t {
	case TypeF32:
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = float32FromBytes(data[i*4 : i*4+4])
		}
		return out
	case TypeF16:
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = float16ToF32FromBytes(data[i*2 : i*2+2])
		}
		return out
	case TypeQ4_0:
		return dequantizeQ4_0(data, n)
	case TypeQ4_1:
		return dequantizeQ4_1(data, n)
	default:
		return nil
	}
}

// DoneGettingTensors reports every tensor record in the file(s) that was
// never claimed via GetTensor, §4.2 step 8. Callers treat a non-empty
// result as ErrUnusedTensor.
func (m *Model) DoneGettingTensors() error {
	var unused []string
	for _, name := range m.order {
		if !m.records[name].claimed {
			unused = append(unused, name)
		}
	}
	if len(unused) > 0 {
		sort.Strings(unused)
		return ErrUnusedTensor{Names: unused}
	}
	return nil
}

// TensorNames returns every logical tensor name present in the
// checkpoint, in file order.
func (m *Model) TensorNames() []string {
	return append([]string(nil), m.order...)
}
