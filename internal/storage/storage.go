package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"
)

// Content type constants used for payload and pointer blobs across backends.
const (
	ContentTypeJSON        = "application/json"
	ContentTypeOctetStream = "application/octet-stream"
)

var (
	// ErrNotFound indicates the requested key is absent. Backends must return
	// it (not a transport error) so callers can distinguish a miss from an
	// unreachable store.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates a conditional write lost: either IfNotExists hit
	// an existing key or ExpectedETag no longer matched.
	ErrCASMismatch = errors.New("storage: cas mismatch")
	// ErrNotImplemented marks optional capabilities a backend does not provide.
	ErrNotImplemented = errors.New("storage: not implemented")
)

// ObjectInfo captures metadata exposed by backends.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// PutOptions controls conditional semantics and metadata for PutObject.
type PutOptions struct {
	// IfNotExists enforces creation-only semantics: the write fails with
	// ErrCASMismatch instead of overwriting an existing key.
	IfNotExists bool
	// ExpectedETag enables CAS semantics. Ignored when IfNotExists is set.
	ExpectedETag string
	ContentType  string
}

// DeleteOptions controls conditional semantics for DeleteObject.
type DeleteOptions struct {
	ExpectedETag   string
	IgnoreNotFound bool
}

// ListOptions guides ListObjects traversal.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
}

// ListResult captures the outcome of a ListObjects call.
type ListResult struct {
	Objects        []ObjectInfo
	NextStartAfter string
	Truncated      bool
}

// GetResult captures an object reader with its metadata. Callers must close
// the reader.
type GetResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

// Backend defines the object-store contract consumed by the lock and cache
// layers. Implementations translate their native errors to the sentinels
// above at the boundary and mark retryable transport failures with
// NewTransientError.
type Backend interface {
	// GetObject fetches the raw bytes for key and returns a reader alongside
	// metadata.
	GetObject(ctx context.Context, key string) (GetResult, error)
	// PutObject writes a blob to key, applying conditional semantics when
	// opts.IfNotExists or opts.ExpectedETag are set.
	PutObject(ctx context.Context, key string, body io.Reader, opts PutOptions) (*ObjectInfo, error)
	// DeleteObject removes the object identified by key.
	DeleteObject(ctx context.Context, key string, opts DeleteOptions) error
	// StatObject returns metadata (including last-modified) without the body.
	StatObject(ctx context.Context, key string) (*ObjectInfo, error)
	// ListObjects enumerates objects under opts.Prefix in ascending lexical
	// order, limited by opts.Limit when >0.
	ListObjects(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Close releases backend resources.
	Close() error
}

// ChangeSubscription receives key names when objects under a watched prefix
// change. Delivery is best-effort; consumers must tolerate drops.
type ChangeSubscription interface {
	Events() <-chan string
	Close() error
}

// ChangeFeed indicates the backend can emit change notifications for a key
// prefix. Backends without native watch support return ErrNotImplemented.
type ChangeFeed interface {
	SubscribeChanges(prefix string) (ChangeSubscription, error)
}

// GetBytes reads the full object payload for key and closes the reader.
func GetBytes(ctx context.Context, backend Backend, key string) ([]byte, *ObjectInfo, error) {
	result, err := backend.GetObject(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	defer result.Reader.Close()
	payload, err := io.ReadAll(result.Reader)
	if err != nil {
		return nil, nil, err
	}
	return payload, result.Info, nil
}

// PutBytes writes payload to key with the supplied options.
func PutBytes(ctx context.Context, backend Backend, key string, payload []byte, opts PutOptions) (*ObjectInfo, error) {
	return backend.PutObject(ctx, key, bytes.NewReader(payload), opts)
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
