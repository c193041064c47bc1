package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/couchcryptid/wildfire-ros-service/internal/domain"
	"github.com/couchcryptid/wildfire-ros-service/internal/observability"
	"github.com/jonboulle/clockwork"
)

// State is a step of the request lifecycle. Errored is reachable from any
// state; Responded and Errored are terminal.
type State string

const (
	StateReceived      State = "received"
	StateValidated     State = "validated"
	StateCacheChecked  State = "cache_checked"
	StateDataAssembled State = "data_assembled"
	StatePredicted     State = "predicted"
	StateResponded     State = "responded"
	StateErrored       State = "errored"
)

// requestRun tracks one request through its states.
type requestRun struct {
	id      string
	state   State
	start   time.Time
	logger  *slog.Logger
	metrics *observability.Metrics
	clock   clockwork.Clock
}

func (r *requestRun) advance(s State, attrs ...any) {
	r.state = s
	r.logger.Debug("request state", append([]any{"state", s}, attrs...)...)
}

func (r *requestRun) respond(attrs ...any) {
	r.state = StateResponded
	r.metrics.RequestStates.WithLabelValues(string(StateResponded), "").Inc()
	r.logger.Info("request responded", append([]any{"duration", r.clock.Since(r.start)}, attrs...)...)
}

// fail moves the run to Errored and returns err normalized: a deadline hit
// anywhere in the request surfaces as a timeout.
func (r *requestRun) fail(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !domain.IsKind(err, domain.KindTimeout) {
		err = domain.WrapError(domain.KindTimeout, "request", err)
	}
	kind := domain.KindOf(err)
	from := r.state
	r.state = StateErrored
	r.metrics.RequestStates.WithLabelValues(string(StateErrored), string(kind)).Inc()

	level := slog.LevelWarn
	if kind == domain.KindInternal {
		level = slog.LevelError
	}
	r.logger.Log(ctx, level, "request failed", "from_state", from, "kind", kind, "error", err)
	return err
}

// cell derives the run for one grid cell. Cell runs share the grid's id and
// never reach a terminal state themselves.
func (r *requestRun) cell(loc domain.Location) *requestRun {
	return &requestRun{
		id:      r.id,
		state:   StateReceived,
		start:   r.start,
		logger:  r.logger.With("cell", loc.String()),
		metrics: r.metrics,
		clock:   r.clock,
	}
}
