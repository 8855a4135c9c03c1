package dispatcher

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/snehjoshi/levelq/internal/types"
)

// EventType names a dispatcher outcome.
type EventType string

const (
	EventClaimed      EventType = "claimed"
	EventSucceeded    EventType = "succeeded"
	EventRechecked    EventType = "rechecked" // succeeded, but an enqueue arrived meanwhile
	EventRequeued     EventType = "requeued"
	EventDeadLettered EventType = "dead_lettered"
	EventLeaseLost    EventType = "lease_lost"
	EventDiscarded    EventType = "discarded" // claimed a key that was already dead-lettered
)

// Event describes one step of a key through a dispatcher.
type Event struct {
	Type      EventType `json:"type"`
	Key       string    `json:"key"`
	Owner     string    `json:"owner"`
	State     string    `json:"state"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	NotBefore time.Time `json:"not_before,omitzero"`
	At        time.Time `json:"at"`
}

func (d *Dispatcher) startSpan(ctx context.Context, claim *types.QueueItem) (context.Context, trace.Span) {
	return d.tracer.Start(ctx, "levelq.process",
		trace.WithAttributes(
			attribute.String("levelq.key", claim.Key),
			attribute.Int("levelq.priority", claim.Priority),
			attribute.Int("levelq.attempts", claim.Attempts),
			attribute.String("levelq.owner", claim.LeaseOwner),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
