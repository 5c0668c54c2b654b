package transaction

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// transactionEvent is the trace span of one logical transaction.
type transactionEvent struct {
	tracer trace.Tracer
	ctx    context.Context
	span   trace.Span
}

func beginTransaction(ctx context.Context, tracer trace.Tracer, seq uint64, txType Type) *transactionEvent {
	ctx, span := tracer.Start(ctx, "transaction",
		trace.WithAttributes(
			attribute.Int64("tx.sequence_number", int64(seq)),
			attribute.String("tx.type", txType.String()),
		))
	return &transactionEvent{tracer: tracer, ctx: ctx, span: span}
}

func (e *transactionEvent) beginCommit() trace.Span {
	_, span := e.tracer.Start(e.ctx, "transaction.commit")
	return span
}

func (e *transactionEvent) beginRollback() trace.Span {
	_, span := e.tracer.Start(e.ctx, "transaction.rollback")
	return span
}

func (e *transactionEvent) close(commit bool, ws writeState, readOnly bool, err error) {
	e.span.SetAttributes(
		attribute.Bool("tx.commit", commit),
		attribute.Bool("tx.rollback", !commit),
		attribute.String("tx.write_state", ws.String()),
		attribute.Bool("tx.read_only", readOnly),
	)
	if err != nil {
		e.span.RecordError(err)
		e.span.SetStatus(codes.Error, err.Error())
	}
	e.span.End()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
