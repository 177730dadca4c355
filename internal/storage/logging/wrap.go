package logging

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/brokerd/internal/correlation"
	"pkt.systems/brokerd/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace/debug logging and an OpenTelemetry span per
// operation.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if inner == nil {
		return nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/brokerd/storage"),
		sys:    sys,
	}
}

func (b *backend) start(ctx context.Context, op, key string) (context.Context, trace.Span, pslog.Logger, func(string, error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "brokerd.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("brokerd.storage.operation", op),
		attribute.String("brokerd.storage.key", key),
		attribute.String("brokerd.sys", b.sys),
	)
	span.AddEvent("brokerd.storage.begin")

	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	} else {
		logger = correlation.Logger(ctx, logger)
	}
	if corr := correlation.ID(ctx); corr != "" {
		span.SetAttributes(attribute.String("brokerd.correlation_id", corr))
	}
	logger.Trace("storage."+op+".begin", "key", key)

	return ctx, span, logger, func(result string, err error) {
		elapsed := time.Since(begin)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
			logger.Debug("storage."+op+".error", "key", key, "error", err, "elapsed", elapsed)
		} else {
			span.SetStatus(codes.Ok, "")
			logger.Trace("storage."+op+".success", "key", key, "elapsed", elapsed)
		}
		span.AddEvent("brokerd.storage.end", trace.WithAttributes(
			attribute.String("brokerd.storage.result", result),
			attribute.Int64("brokerd.storage.duration_ms", elapsed.Milliseconds()),
		))
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	switch {
	case storage.IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}

func (b *backend) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	ctx, span, _, finish := b.start(ctx, "get_object", key)
	defer span.End()
	result, err := b.inner.GetObject(ctx, key)
	if err == nil && result.Info != nil {
		span.SetAttributes(
			attribute.String("brokerd.storage.etag", result.Info.ETag),
			attribute.Int64("brokerd.storage.size", result.Info.Size),
		)
	}
	finish(resultLabel(err), err)
	return result, err
}

func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, span, logger, finish := b.start(ctx, "put_object", key)
	defer span.End()
	span.SetAttributes(
		attribute.Bool("brokerd.storage.conditional", opts.ExpectedETag != ""),
		attribute.Bool("brokerd.storage.if_not_exists", opts.IfNotExists),
	)
	info, err := b.inner.PutObject(ctx, key, body, opts)
	if err == nil && info != nil {
		logger.Trace("storage.put_object.etag", "key", key, "expected_etag", opts.ExpectedETag, "etag", info.ETag)
	}
	finish(resultLabel(err), err)
	return info, err
}

func (b *backend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	ctx, span, _, finish := b.start(ctx, "delete_object", key)
	defer span.End()
	span.SetAttributes(attribute.Bool("brokerd.storage.conditional", opts.ExpectedETag != ""))
	err := b.inner.DeleteObject(ctx, key, opts)
	finish(resultLabel(err), err)
	return err
}

func (b *backend) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	ctx, span, _, finish := b.start(ctx, "list_objects", opts.Prefix)
	defer span.End()
	res, err := b.inner.ListObjects(ctx, opts)
	if err == nil && res != nil {
		span.SetAttributes(
			attribute.Int("brokerd.storage.objects", len(res.Objects)),
			attribute.Bool("brokerd.storage.truncated", res.Truncated),
		)
	}
	finish(resultLabel(err), err)
	return res, err
}

func (b *backend) Close() error {
	err := b.inner.Close()
	if err != nil {
		b.logger.Warn("storage.close.error", "error", err)
	}
	return err
}

func (b *backend) SubscribeChanges(prefix string) (storage.ChangeSubscription, error) {
	feed, ok := b.inner.(storage.ChangeFeed)
	if !ok {
		return nil, storage.ErrNotImplemented
	}
	sub, err := feed.SubscribeChanges(prefix)
	if err != nil {
		b.logger.Debug("storage.subscribe_changes.error", "prefix", prefix, "error", err)
		return nil, err
	}
	b.logger.Trace("storage.subscribe_changes.success", "prefix", prefix)
	return sub, nil
}

func (b *backend) WatchStatus() storage.WatchStatus {
	return storage.ReportWatchStatus(b.inner)
}
