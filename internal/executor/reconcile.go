package executor

import (
	"context"
	"fmt"
	"time"

	"novapulse/internal/metrics"
)

// ReconcileReport lists the discrepancies between ledger truth and exchange
// truth. Reporting only; nothing is auto-mutated.
type ReconcileReport struct {
	Ghosts  []string // trade ids open in the ledger with no exchange order
	Orphans []string // exchange order ids with no ledger owner
	At      time.Time
}

// Reconcile compares ledger-open trades against exchange open orders and
// reports ghosts and orphans.
func (e *Executor) Reconcile(ctx context.Context, now time.Time) (*ReconcileReport, error) {
	if !e.cfg.Live {
		return &ReconcileReport{At: now}, nil
	}
	trades, err := e.store.OpenTrades(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading open trades: %w", err)
	}
	orders, err := e.client.OpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading open orders: %w", err)
	}

	owned := make(map[string]string) // order id -> trade id
	for _, t := range trades {
		if t.Metadata.OrderID != "" {
			owned[t.Metadata.OrderID] = t.ID
		}
		if t.Metadata.StopOrderID != "" {
			owned[t.Metadata.StopOrderID] = t.ID
		}
	}
	onExchange := make(map[string]bool, len(orders))
	for _, o := range orders {
		onExchange[o.OrderID] = true
	}

	report := &ReconcileReport{At: now}
	for _, t := range trades {
		// A trade with a native stop should still have that stop resting.
		if t.Metadata.StopOrderID != "" && !onExchange[t.Metadata.StopOrderID] {
			report.Ghosts = append(report.Ghosts, t.ID)
		}
	}
	for _, o := range orders {
		if _, ok := owned[o.OrderID]; !ok {
			report.Orphans = append(report.Orphans, o.OrderID)
		}
	}

	metrics.ReconcileGhosts.Set(float64(len(report.Ghosts)))
	metrics.ReconcileOrphans.Set(float64(len(report.Orphans)))
	if len(report.Ghosts) > 0 || len(report.Orphans) > 0 {
		e.logger.Warn().Strs("ghosts", report.Ghosts).Strs("orphans", report.Orphans).
			Msg("reconciliation discrepancies")
		e.thought(ctx, "reconcile", "",
			fmt.Sprintf("%d ghosts, %d orphans", len(report.Ghosts), len(report.Orphans)),
			map[string]interface{}{"ghosts": report.Ghosts, "orphans": report.Orphans})
	}
	return report, nil
}
