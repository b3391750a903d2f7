package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const scope = "github.com/park285/meet-signaling"

// Metrics groups the instruments emitted by the signaling core.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	participantsJoined metric.Int64Counter
	participantsLeft   metric.Int64Counter
	participantsActive metric.Int64UpDownCounter
	roomsCreated       metric.Int64Counter
	roomsDestroyed     metric.Int64Counter
	lockAcquire        metric.Float64Histogram
	lockContended      metric.Int64Counter
	storeOp            metric.Float64Histogram
	aclApplied         metric.Int64Counter
}

// New registers instruments on meter. Pass nil to use the global provider.
func New(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(scope)
	}
	m := &Metrics{}
	var err error
	if m.participantsJoined, err = meter.Int64Counter("signaling.participants.joined"); err != nil {
		return nil, err
	}
	if m.participantsLeft, err = meter.Int64Counter("signaling.participants.left"); err != nil {
		return nil, err
	}
	if m.participantsActive, err = meter.Int64UpDownCounter("signaling.participants.active"); err != nil {
		return nil, err
	}
	if m.roomsCreated, err = meter.Int64Counter("signaling.rooms.created"); err != nil {
		return nil, err
	}
	if m.roomsDestroyed, err = meter.Int64Counter("signaling.rooms.destroyed"); err != nil {
		return nil, err
	}
	if m.lockAcquire, err = meter.Float64Histogram("signaling.lock.acquire", metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.lockContended, err = meter.Int64Counter("signaling.lock.contended"); err != nil {
		return nil, err
	}
	if m.storeOp, err = meter.Float64Histogram("signaling.store.op", metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.aclApplied, err = meter.Int64Counter("signaling.acl.applied"); err != nil {
		return nil, err
	}
	return m, nil
}

// Noop returns instruments bound to a no-op provider.
func Noop() *Metrics {
	m, _ := New(noop.NewMeterProvider().Meter(scope))
	return m
}

func (m *Metrics) ParticipantJoined(ctx context.Context) {
	if m == nil {
		return
	}
	m.participantsJoined.Add(ctx, 1)
	m.participantsActive.Add(ctx, 1)
}

func (m *Metrics) ParticipantLeft(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.participantsLeft.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.participantsActive.Add(ctx, -1)
}

func (m *Metrics) RoomCreated(ctx context.Context) {
	if m == nil {
		return
	}
	m.roomsCreated.Add(ctx, 1)
}

func (m *Metrics) RoomDestroyed(ctx context.Context) {
	if m == nil {
		return
	}
	m.roomsDestroyed.Add(ctx, 1)
}

func (m *Metrics) LockAcquired(ctx context.Context, started time.Time, contended bool) {
	if m == nil {
		return
	}
	m.lockAcquire.Record(ctx, msSince(started))
	if contended {
		m.lockContended.Add(ctx, 1)
	}
}

func (m *Metrics) StoreOp(ctx context.Context, op string, started time.Time) {
	if m == nil {
		return
	}
	m.storeOp.Record(ctx, msSince(started), metric.WithAttributes(attribute.String("op", op)))
}

func (m *Metrics) ACLApplied(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.aclApplied.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
