package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys for broker and index operations. Unit-of-work spans
// use the keys defined by the resource package.
const (
	AttrBrokerPath       = "broker.path"
	AttrMigrationVersion = "migration.version"
	AttrMigrationName    = "migration.name"
	AttrDocumentID       = "document.id"

	AttrIndexDir        = "index.dir"
	AttrIndexQuery      = "index.query"
	AttrIndexHits       = "index.hits"
	AttrIndexSegments   = "index.segments"
	AttrIndexDocs       = "index.docs"
	AttrIndexGeneration = "index.generation"
)

// Span name prefixes.
const (
	SpanPrefixBroker = "broker."
	SpanPrefixIndex  = "index."
)

// Event names for span events.
const (
	EventMigrationApplied = "migration.applied"
	EventSegmentWritten   = "segment.written"
	EventReaderRefreshed  = "reader.refreshed"
)

// WithSpan runs fn inside a span named name and records its outcome. A nil
// tracer runs fn without a span.
func WithSpan(ctx context.Context, tracer trace.Tracer, name string, fn func(ctx context.Context, span trace.Span) error, attrs ...attribute.KeyValue) error {
	if tracer == nil {
		return fn(ctx, trace.SpanFromContext(ctx))
	}

	ctx, span := tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	err := fn(ctx, span)
	RecordResult(span, err)
	return err
}

// RecordResult sets the span status from err.
func RecordResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
