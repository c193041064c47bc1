package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/couchcryptid/wildfire-ros-service/internal/domain"
	"golang.org/x/sync/errgroup"
)

// GridRequest asks for a prediction at every cell of the Portugal grid.
type GridRequest struct {
	FireStart            time.Time
	DurationHours        float64
	MinutesSinceIgnition float64
	Model                domain.ModelChoice
	Source               domain.Source
}

func (g GridRequest) at(loc domain.Location) domain.PredictionRequest {
	return domain.PredictionRequest{
		Location:             loc,
		FireStart:            g.FireStart,
		DurationHours:        g.DurationHours,
		MinutesSinceIgnition: g.MinutesSinceIgnition,
		Model:                g.Model,
		Source:               g.Source,
	}
}

// Grid runs the single-point pipeline for every grid cell with bounded
// concurrency. Cells without data, or whose provider failed, are skipped
// and counted. A timeout or any other failure aborts the whole grid.
func (o *Orchestrator) Grid(ctx context.Context, gr GridRequest) (domain.GridResult, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	run := o.begin("predict-grid")
	if gr.Source == "" {
		gr.Source = o.opts.DefaultSource
	}
	if err := gr.at(extentCentre()).Validate(o.clock.Now(), o.opts.MaxDurationHours); err != nil {
		return domain.GridResult{}, run.fail(ctx, err)
	}
	run.advance(StateValidated)

	cells := domain.GridCells(domain.PortugalExtent, o.opts.GridResolution)
	results := make([]*domain.PredictionResult, len(cells))

	var (
		mu       sync.Mutex
		skipped  int
		lastSkip error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.GridConcurrency)
	for i, loc := range cells {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			r, err := o.predictPoint(gctx, run.cell(loc), gr.at(loc))
			if err != nil {
				if gctx.Err() != nil || !skippable(err) {
					return err
				}
				mu.Lock()
				skipped++
				lastSkip = err
				mu.Unlock()
				o.metrics.GridCells.WithLabelValues("skipped").Inc()
				run.logger.Debug("grid cell skipped", "cell", loc.String(), "error", err)
				return nil
			}
			results[i] = &r
			o.metrics.GridCells.WithLabelValues("success").Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.GridResult{}, run.fail(ctx, err)
	}
	if err := ctx.Err(); err != nil {
		return domain.GridResult{}, run.fail(ctx, err)
	}

	out := domain.GridResult{
		RequestID:   run.id,
		Model:       gr.Model,
		Cells:       make([]domain.GridCell, 0, len(cells)-skipped),
		TotalCells:  len(cells),
		PredictedAt: o.clock.Now().UTC(),
	}
	var fresh []domain.PredictionResult
	for _, r := range results {
		if r == nil {
			continue
		}
		out.Cells = append(out.Cells, domain.GridCell{
			Lat:           r.Location.Lat,
			Lon:           r.Location.Lon,
			ROS:           r.ROS,
			ErrorEstimate: r.ErrorEstimate,
		})
		if !r.Cached {
			fresh = append(fresh, *r)
		}
	}
	out.Successful = len(out.Cells)

	// A grid where every cell failed upstream is a provider failure, not an
	// empty map.
	if out.Successful == 0 && lastSkip != nil && !domain.IsKind(lastSkip, domain.KindDataGap) {
		return domain.GridResult{}, run.fail(ctx, lastSkip)
	}

	o.publish(ctx, fresh...)
	run.respond("cells", out.TotalCells, "successful", out.Successful, "skipped", skipped)
	return out, nil
}

// skippable reports whether a cell failure leaves the rest of the grid
// meaningful.
func skippable(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindDataGap, domain.KindProviderUnavailable, domain.KindUpstream:
		return true
	}
	return false
}

func extentCentre() domain.Location {
	c := domain.PortugalExtent.Center()
	return domain.Location{Lat: c.Lat(), Lon: c.Lon()}
}
