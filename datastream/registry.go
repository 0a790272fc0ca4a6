package datastream

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spacetelescope/catkit2-sub001/shm"
)

const DefaultPrefix = "datastream."

var monotonic = shm.Monotonic

// DefaultDir returns /dev/shm when the host has it and the OS temp dir otherwise.
func DefaultDir() string {
	if st, err := os.Stat("/dev/shm"); err == nil && st.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// Registry resolves stream names to shared regions. Every stream lives in a
// file named <prefix><name> under the registry directory; processes that use
// the same directory and prefix see the same streams.
type Registry struct {
	dir    string
	prefix string
	logger *zap.Logger

	mu        sync.Mutex
	producers map[string]*Producer
}

type RegistryOption func(*Registry)

func WithDir(dir string) RegistryOption {
	return func(r *Registry) { r.dir = dir }
}

func WithPrefix(prefix string) RegistryOption {
	return func(r *Registry) { r.prefix = prefix }
}

func WithRegistryLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		dir:       DefaultDir(),
		prefix:    DefaultPrefix,
		logger:    zap.NewNop(),
		producers: make(map[string]*Producer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DefaultRegistry backs the package-level Create and Open.
var DefaultRegistry = NewRegistry()

// Create creates a stream in DefaultRegistry.
func Create(name string, dt DataType, shape []int, slotCount int) (*Producer, error) {
	return DefaultRegistry.Create(name, dt, shape, slotCount)
}

// Open attaches a consumer to a stream in DefaultRegistry.
func Open(name string, opts ...ConsumerOption) (*Consumer, error) {
	return DefaultRegistry.Open(name, opts...)
}

func (r *Registry) Dir() string { return r.dir }

// Path returns the file backing name.
func (r *Registry) Path(name string) string {
	return filepath.Join(r.dir, r.prefix+name)
}

// Create allocates and registers a new stream and returns its producer.
func (r *Registry) Create(name string, dt DataType, shape []int, slotCount int) (*Producer, error) {
	desc := Descriptor{Name: name, DataType: dt, Shape: shape, SlotCount: slotCount}.clone()
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.producers[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyExists, name)
	}

	region, err := r.createRegion(desc)
	if errors.Is(err, fs.ErrExist) && r.reclaimStale(name) {
		region, err = r.createRegion(desc)
	}
	if errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyExists, name)
	}
	if err != nil {
		return nil, fmt.Errorf("create stream %q: %w", name, err)
	}

	p := newProducer(r, desc, region)
	r.producers[name] = p
	r.logger.Info("stream created",
		zap.String("stream", name),
		zap.Stringer("dtype", desc.DataType),
		zap.Ints("shape", desc.Shape),
		zap.Int("slots", desc.SlotCount),
		zap.String("path", region.Path()))
	return p, nil
}

func (r *Registry) createRegion(desc Descriptor) (*shm.Region, error) {
	size := shm.RegionSize(uint64(desc.SlotCount), uint64(desc.FrameSize()))
	return shm.Create(r.Path(desc.Name), int(size), func(region *shm.Region) error {
		h := region.Header()
		desc.writeHeader(h)
		h.CreatorPID = int64(os.Getpid())
		h.CreatedAt = time.Now().UnixNano()
		h.SetFlags(shm.FlagInitialized)
		return nil
	})
}

// reclaimStale removes a region left behind by a producer process that no
// longer exists, or one marked closed. It reports whether the name is free to
// create again. Check and unlink run under the directory lock, so a region
// another process has just created in place of the stale one is never
// removed.
func (r *Registry) reclaimStale(name string) bool {
	unlock, err := shm.LockDir(r.dir)
	if err != nil {
		r.logger.Warn("failed to lock registry", zap.String("dir", r.dir), zap.Error(err))
		return false
	}
	defer unlock()

	path := r.Path(name)
	region, err := shm.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	if err != nil {
		return false
	}
	h := region.Header()
	if h.Validate(region.Size()) != nil {
		region.Close()
		return false
	}
	pid := int(h.CreatorPID)
	stale := h.Closed() || (pid != os.Getpid() && !shm.ProcessAlive(pid))
	region.Close()
	if !stale {
		return false
	}
	if err := shm.Unlink(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		r.logger.Warn("failed to reclaim stale stream", zap.String("stream", name), zap.Error(err))
		return false
	}
	r.logger.Warn("reclaimed stale stream", zap.String("stream", name), zap.Int("creator_pid", pid))
	return true
}

// Open attaches a new consumer to the stream called name.
func (r *Registry) Open(name string, opts ...ConsumerOption) (*Consumer, error) {
	cfg := consumerConfig{mode: OldestFirstOverwrite, logger: r.logger}
	for _, opt := range opts {
		opt(&cfg)
	}
	if !cfg.mode.Valid() {
		return nil, fmt.Errorf("%w: buffer handling mode %d", ErrInvalidArgument, int(cfg.mode))
	}

	region, desc, err := r.attach(name)
	if err != nil {
		return nil, err
	}
	if err := desc.CheckSchema(cfg.dataType, cfg.shape); err != nil {
		region.Close()
		return nil, err
	}
	return newConsumer(desc, region, cfg), nil
}

func (r *Registry) attach(name string) (*shm.Region, Descriptor, error) {
	if err := ValidateName(name); err != nil {
		return nil, Descriptor{}, err
	}
	region, err := shm.Open(r.Path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, Descriptor{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if errors.Is(err, shm.ErrTooSmall) {
		return nil, Descriptor{}, fmt.Errorf("%w: %v", ErrIncompatible, err)
	}
	if err != nil {
		return nil, Descriptor{}, fmt.Errorf("open stream %q: %w", name, err)
	}

	h := region.Header()
	if err := h.Validate(region.Size()); err != nil {
		region.Close()
		return nil, Descriptor{}, fmt.Errorf("%w: %q: %v", ErrIncompatible, name, err)
	}
	if h.Closed() {
		region.Close()
		return nil, Descriptor{}, fmt.Errorf("%w: %q has been closed", ErrNotFound, name)
	}
	desc, err := descriptorFromHeader(h)
	if err != nil {
		region.Close()
		return nil, Descriptor{}, err
	}
	return region, desc, nil
}

// Info describes a stream without attaching a consumer.
type Info struct {
	Descriptor Descriptor
	Cursor     uint64
	LastSubmit int64
	CreatorPID int
	CreatedAt  time.Time
	Path       string
}

// Inspect reads the descriptor and producer progress of name.
func (r *Registry) Inspect(name string) (Info, error) {
	region, desc, err := r.attach(name)
	if err != nil {
		return Info{}, err
	}
	defer region.Close()

	h := region.Header()
	return Info{
		Descriptor: desc,
		Cursor:     h.Cursor(),
		LastSubmit: h.LastSubmit(),
		CreatorPID: int(h.CreatorPID),
		CreatedAt:  time.Unix(0, h.CreatedAt),
		Path:       region.Path(),
	}, nil
}

// List returns the names of all streams visible in the registry directory.
func (r *Registry) List() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", r.dir, err)
	}
	var names []string
	for _, e := range entries {
		name, ok := strings.CutPrefix(e.Name(), r.prefix)
		if !ok || e.IsDir() || ValidateName(name) != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Remove unregisters name. A producer created by this registry is closed;
// otherwise only the name is removed. Attached consumers are not affected.
func (r *Registry) Remove(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	r.mu.Lock()
	p, ok := r.producers[name]
	r.mu.Unlock()
	if ok {
		return p.Close()
	}

	if err := shm.Unlink(r.Path(name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return fmt.Errorf("remove stream %q: %w", name, err)
	}
	r.logger.Info("stream removed", zap.String("stream", name))
	return nil
}

// release drops p from the registry and unlinks its name.
func (r *Registry) release(p *Producer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.desc.Name
	if r.producers[name] == p {
		delete(r.producers, name)
	}
	unlock, err := shm.LockDir(r.dir)
	if err != nil {
		return err
	}
	defer unlock()
	if !r.owns(p) {
		return nil
	}
	err = shm.Unlink(p.region.Path())
	if errors.Is(err, fs.ErrNotExist) {
		err = nil
	}
	r.logger.Info("stream removed", zap.String("stream", name), zap.Uint64("frames", p.cursor))
	return err
}

// owns reports whether the file currently registered under p's name is the
// region p created, so closing p never unlinks a stream recreated since.
func (r *Registry) owns(p *Producer) bool {
	region, err := shm.Open(p.region.Path())
	if err != nil {
		return false
	}
	defer region.Close()

	mine, theirs := p.region.Header(), region.Header()
	return mine.CreatorPID == theirs.CreatorPID && mine.CreatedAt == theirs.CreatedAt
}
