package registry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	traceScope = "pixelagents.registry"

	traceSpanCreate  = "pixelagents.agent.create"
	traceSpanRestore = "pixelagents.agent.restore"
	traceSpanPass    = "pixelagents.transcript.pass"

	traceAttrAgentID   = "pixelagents.agent_id"
	traceAttrSessionID = "pixelagents.session_id"
	traceAttrLines     = "pixelagents.lines"
	traceAttrRestored  = "pixelagents.restored"
	traceAttrStatus    = "pixelagents.status"
)

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(traceScope).Start(ctx, name, trace.WithAttributes(attrs...))
}

func markSpanResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(traceAttrStatus, "error"))
		return
	}
	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.String(traceAttrStatus, "success"))
}
