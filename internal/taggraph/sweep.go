package taggraph

import (
	"context"
	"time"

	"github.com/adhocore/gronx"
)

// TrashSweeper runs the background sweep for the optional trash semantics:
// remove trash edges older than a threshold, then purge files left with no
// remaining edges at all. Scheduling is cron-expression driven, using gronx
// for "what's the next time this should fire" rather than a bare
// time.Ticker.
type TrashSweeper struct {
	graph     *Graph
	schedule  string
	threshold time.Duration
}

// NewTrashSweeper builds a sweeper. schedule is a standard 5-field cron
// expression; an empty or invalid one falls back to "*/15 * * * *".
// threshold is how long a trash edge survives before removal.
func NewTrashSweeper(graph *Graph, schedule string, threshold time.Duration) *TrashSweeper {
	if schedule == "" {
		schedule = "*/15 * * * *"
	}
	if !gronx.New().IsValid(schedule) {
		schedule = "*/15 * * * *"
	}
	return &TrashSweeper{
		graph:     graph,
		schedule:  schedule,
		threshold: threshold,
	}
}

// Run blocks, firing Sweep on each cron tick until ctx is cancelled.
func (s *TrashSweeper) Run(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(s.schedule, time.Now(), false)
		if err != nil {
			log.Warn("trash sweep: invalid schedule %q: %v", s.schedule, err)
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := s.Sweep(ctx); err != nil {
				log.Warn("trash sweep failed: %v", err)
			}
		}
	}
}

// Sweep deletes trash edges past the threshold, then purges any file left
// with zero remaining file_tags edges.
func (s *TrashSweeper) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-s.threshold).Unix()

	res, err := s.graph.db.ExecContext(ctx, `DELETE FROM trash_edges WHERE trashed_at < ?`, cutoff)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Info("trash sweep: expired %d trash edges", n)
	}

	purge, err := s.graph.db.ExecContext(ctx, `
		DELETE FROM files WHERE id IN (
			SELECT f.id FROM files f
			LEFT JOIN file_tags ft ON ft.file_id = f.id
			WHERE ft.file_id IS NULL
		)
	`)
	if err != nil {
		return err
	}
	if n, _ := purge.RowsAffected(); n > 0 {
		log.Info("trash sweep: purged %d orphaned files", n)
	}
	return nil
}
