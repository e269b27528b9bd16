package faster

import (
	"errors"
	"fmt"

	"github.com/matthewbrookes/FASTER/internal/hlog"
)

var (
	// ErrNotFound is returned when a key is absent or deleted.
	ErrNotFound = errors.New("faster: key not found")

	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("faster: store is closed")

	// ErrNoSegmentStore is returned by offload operations when no
	// segment store was configured.
	ErrNoSegmentStore = errors.New("faster: no segment store configured")
)

// Log-level conditions surface unchanged so callers can test them with
// errors.Is without importing internal packages.
var (
	// ErrLogFull is returned when the log cannot allocate within its
	// resident-page and memory budgets.
	ErrLogFull = hlog.ErrLogFull

	// ErrRangeUnsupported is returned for records that now live only
	// in secondary storage.
	ErrRangeUnsupported = hlog.ErrRangeUnsupported

	// ErrAddressTrimmed is returned for addresses below the log's
	// begin address.
	ErrAddressTrimmed = hlog.ErrAddressTrimmed

	// ErrInvalidKey is returned for empty or oversized keys.
	ErrInvalidKey = hlog.ErrInvalidKey
)

// ErrValueTooLarge indicates a value that cannot fit in a single log
// page.
//
// The original underlying error (if any) can be accessed via
// errors.Unwrap.
type ErrValueTooLarge struct {
	Size  int
	cause error
}

func (e *ErrValueTooLarge) Error() string {
	return fmt.Sprintf("value too large: %d bytes", e.Size)
}

func (e *ErrValueTooLarge) Unwrap() error { return e.cause }

func translateAllocError(err error, size int) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, hlog.ErrRecordTooLarge) {
		return &ErrValueTooLarge{Size: size, cause: err}
	}
	if errors.Is(err, hlog.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}
