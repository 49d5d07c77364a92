// Package logging decorates a storage.Backend with trace/debug logging so
// every store round-trip is observable without touching backend code.
package logging

import (
	"context"
	"io"
	"time"

	"pkt.systems/pslog"

	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	sys    string
}

// Wrap decorates inner with trace/debug logging. sys names the backend kind
// (mem, disk, s3, azure) in every log line.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		sys:    sys,
	}
}

func (b *backend) start(ctx context.Context) (pslog.Logger, time.Time) {
	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	return logger.With("sys", b.sys), time.Now()
}

func (b *backend) GetObject(ctx context.Context, key string) (storage.GetResult, error) {
	logger, begin := b.start(ctx)
	logger.Trace("storage.get_object.begin", "key", key)
	result, err := b.inner.GetObject(ctx, key)
	if err != nil {
		logger.Debug("storage.get_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return result, err
	}
	logger.Trace("storage.get_object.success", "key", key, "etag", result.Info.ETag, "size", result.Info.Size, "elapsed", time.Since(begin))
	return result, nil
}

func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutOptions) (*storage.ObjectInfo, error) {
	logger, begin := b.start(ctx)
	logger.Trace("storage.put_object.begin", "key", key, "if_not_exists", opts.IfNotExists, "expected_etag", opts.ExpectedETag)
	info, err := b.inner.PutObject(ctx, key, body, opts)
	if err != nil {
		logger.Debug("storage.put_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	logger.Trace("storage.put_object.success", "key", key, "etag", info.ETag, "size", info.Size, "elapsed", time.Since(begin))
	return info, nil
}

func (b *backend) DeleteObject(ctx context.Context, key string, opts storage.DeleteOptions) error {
	logger, begin := b.start(ctx)
	logger.Trace("storage.delete_object.begin", "key", key, "expected_etag", opts.ExpectedETag)
	if err := b.inner.DeleteObject(ctx, key, opts); err != nil {
		logger.Debug("storage.delete_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return err
	}
	logger.Trace("storage.delete_object.success", "key", key, "elapsed", time.Since(begin))
	return nil
}

func (b *backend) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	logger, begin := b.start(ctx)
	logger.Trace("storage.stat_object.begin", "key", key)
	info, err := b.inner.StatObject(ctx, key)
	if err != nil {
		logger.Debug("storage.stat_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	logger.Trace("storage.stat_object.success", "key", key, "etag", info.ETag, "last_modified", info.LastModified, "elapsed", time.Since(begin))
	return info, nil
}

func (b *backend) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	logger, begin := b.start(ctx)
	logger.Trace("storage.list_objects.begin", "prefix", opts.Prefix, "limit", opts.Limit)
	result, err := b.inner.ListObjects(ctx, opts)
	if err != nil {
		logger.Debug("storage.list_objects.error", "prefix", opts.Prefix, "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	logger.Trace("storage.list_objects.success", "prefix", opts.Prefix, "count", len(result.Objects), "truncated", result.Truncated, "elapsed", time.Since(begin))
	return result, nil
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) SubscribeChanges(prefix string) (storage.ChangeSubscription, error) {
	if feed, ok := b.inner.(storage.ChangeFeed); ok {
		return feed.SubscribeChanges(prefix)
	}
	return nil, storage.ErrNotImplemented
}
