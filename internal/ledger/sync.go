package ledger

import (
	"context"
	"sort"
	"time"
)

// SyncReport summarizes one full pass over the pending backlog. TouchedIDs
// names every transaction the pass wrote: settled anchors, synthesized
// correctives and forward-recomputed rows. The ids predate any compaction
// the pass triggers.
type SyncReport struct {
	Pending    int     `json:"pending"`
	Synced     int     `json:"synced"`
	Corrective int     `json:"corrective"`
	Failed     int     `json:"failed"`
	TouchedIDs []int64 `json:"touched_ids"`
}

// SyncAll reconciles every pending transaction in id order. A failing row
// is logged and skipped so one bad notification never stalls the backlog.
// When anything was settled the transaction ids are compacted afterwards.
func (s *Service) SyncAll(ctx context.Context) (*SyncReport, error) {
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	report := &SyncReport{Pending: len(pending)}
	touched := make(map[int64]struct{})
	for _, txn := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		res, err := s.Reconcile(ctx, txn)
		if err != nil {
			report.Failed++
			s.logger.Warn("reconcile failed, skipping transaction",
				"id", txn.ID, "error", err)
			continue
		}
		if !res.Applied {
			// Settled by a competing pass between the scan and here.
			continue
		}

		report.Synced++
		touched[txn.ID] = struct{}{}
		if res.Corrective != nil {
			report.Corrective++
			touched[res.Corrective.ID] = struct{}{}
		}
		for _, id := range res.RecomputedIDs {
			touched[id] = struct{}{}
		}
	}

	report.TouchedIDs = make([]int64, 0, len(touched))
	for id := range touched {
		report.TouchedIDs = append(report.TouchedIDs, id)
	}
	sort.Slice(report.TouchedIDs, func(i, j int) bool {
		return report.TouchedIDs[i] < report.TouchedIDs[j]
	})

	if report.Synced > 0 {
		if err := s.CompactIDs(ctx); err != nil {
			s.logger.Warn("id compaction after sync failed", "error", err)
		}
	}

	s.logger.Info("sync pass finished",
		"pending", report.Pending, "synced", report.Synced,
		"corrective", report.Corrective, "failed", report.Failed)
	return report, nil
}

// RunPeriodicSync runs SyncAll immediately and then on every tick until
// the context is cancelled. Intended to run on its own goroutine.
func (s *Service) RunPeriodicSync(ctx context.Context, interval time.Duration) {
	if _, err := s.SyncAll(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("startup sync failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SyncAll(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("periodic sync failed", "error", err)
			}
		}
	}
}
