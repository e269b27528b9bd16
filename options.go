package faster

import (
	"github.com/matthewbrookes/FASTER/blobstore"
	"github.com/matthewbrookes/FASTER/internal/index"
	"github.com/matthewbrookes/FASTER/internal/resource"
	"github.com/matthewbrookes/FASTER/internal/segment"
)

// Compression selects the codec used for sealed segments.
type Compression = segment.Compression

// Segment codecs.
const (
	CompressionNone = segment.None
	CompressionZstd = segment.Zstd
	CompressionLZ4  = segment.LZ4
)

type options struct {
	pageSize          int
	maxResidentPages  int
	mutableBytes      uint64
	indexStripes      int
	compactionWorkers int
	autoEvict         bool
	segmentStore      blobstore.Store
	compression       Compression
	resources         resource.Config
	logger            *Logger
}

// Option configures Open behavior.
type Option func(*options)

// WithPageSize configures the log page size in bytes. Must be a power
// of two, at least 4 KiB. A record (key + value + header) must fit in
// one page. Defaults to 1 MiB.
func WithPageSize(size int) Option {
	return func(o *options) {
		o.pageSize = size
	}
}

// WithMaxResidentPages bounds the log pages held in memory at once.
// When the bound is reached, allocation either evicts the oldest page
// (see WithSegmentStore) or fails with ErrLogFull. 0 means bounded
// only by the memory limit.
func WithMaxResidentPages(n int) Option {
	return func(o *options) {
		o.maxResidentPages = n
	}
}

// WithMutableBytes sets the size of the in-place-update region at the
// log's tail. Records below tail-mutableBytes are updated by
// copy-to-tail instead of in place, which keeps the cold prefix stable
// for offload and compaction. 0 keeps the whole log mutable.
func WithMutableBytes(n uint64) Option {
	return func(o *options) {
		o.mutableBytes = n
	}
}

// WithIndexStripes configures the lock stripe count of the hash index,
// rounded up to a power of two. More stripes reduce contention under
// concurrent mutation at a small fixed memory cost.
func WithIndexStripes(n int) Option {
	return func(o *options) {
		o.indexStripes = n
	}
}

// WithCompactionWorkers configures the relocation worker count used by
// Compact. 0 means GOMAXPROCS.
func WithCompactionWorkers(n int) Option {
	return func(o *options) {
		o.compactionWorkers = n
	}
}

// WithSegmentStore configures secondary storage for sealed log pages.
// Pages evicted from memory are encoded as checksummed segments,
// compressed with the given codec, and written to store before their
// memory is released. Enables automatic eviction when the resident
// budget is exhausted.
func WithSegmentStore(store blobstore.Store, compression Compression) Option {
	return func(o *options) {
		o.segmentStore = store
		o.compression = compression
		o.autoEvict = store != nil
	}
}

// WithResourceLimits configures memory, background worker, and I/O
// budgets.
func WithResourceLimits(cfg resource.Config) Option {
	return func(o *options) {
		o.resources = cfg
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		pageSize:     1 << 20,
		indexStripes: index.DefaultStripes,
		logger:       NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	return o
}
