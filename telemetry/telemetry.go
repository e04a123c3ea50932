// Package telemetry persists each cycle's planned horizon to Postgres
// for offline analysis of plan accuracy against realized costs. It is
// an optional sink: the dispatcher's own decision-making never reads
// from it, matching spec.md §9's "historical telemetry" style
// enrichment over the in-memory-only state store. Grounded on the
// teacher's scheduler/mpc_persistence.go: the same
// delete-existing-window-then-insert transaction shape and prepared
// upsert statement, adapted from the teacher's hourly MPC decision
// rows to this spec's 15-minute PlanHorizon slots.
package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/krinco1/evcc-dispatch/planner"
)

// Sink writes PlanHorizon slots to a `plan_slots` table. A nil Sink (or
// one built from an empty connection string) is a valid no-op: callers
// need not special-case "telemetry disabled".
type Sink struct {
	db *sql.DB
}

// Open connects to connString (a standard Postgres DSN) and verifies
// the connection with a ping. Pass an empty connString to get a nil,
// no-op Sink, mirroring the teacher's `config.PostgresConnString != ""`
// opt-in gate.
func Open(connString string) (*Sink, error) {
	if connString == "" {
		return nil, nil
	}
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("telemetry: ping: %w", err)
	}
	return &Sink{db: db}, nil
}

// Close releases the underlying connection pool. Safe to call on a nil
// Sink.
func (s *Sink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveHorizon upserts every slot of h, replacing any previously saved
// slots at or after h.Slots[0].Start — the same "delete existing rows
// in this time window, then insert" shape as the teacher's
// saveMPCDecisions, adapted from a single minTimestamp cutoff to this
// spec's explicit per-slot Start timestamps. A nil Sink or an empty
// horizon is a no-op.
func (s *Sink) SaveHorizon(ctx context.Context, h *planner.Horizon) error {
	if s == nil || s.db == nil || h == nil || len(h.Slots) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("telemetry: begin tx: %w", err)
	}
	defer tx.Rollback()

	minStart := h.Slots[0].Start
	if _, err := tx.ExecContext(ctx, `DELETE FROM plan_slots WHERE start_time >= $1`, minStart); err != nil {
		return fmt.Errorf("telemetry: delete existing slots: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO plan_slots (
			start_time, slot_index, bat_charge_kw, bat_discharge_kw,
			ev_charge_kw, expected_price, expected_pv_kw, expected_load_kw,
			predicted_bat_soc, objective_value_eur, solver_status, computed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (start_time) DO UPDATE SET
			slot_index = EXCLUDED.slot_index,
			bat_charge_kw = EXCLUDED.bat_charge_kw,
			bat_discharge_kw = EXCLUDED.bat_discharge_kw,
			ev_charge_kw = EXCLUDED.ev_charge_kw,
			expected_price = EXCLUDED.expected_price,
			expected_pv_kw = EXCLUDED.expected_pv_kw,
			expected_load_kw = EXCLUDED.expected_load_kw,
			predicted_bat_soc = EXCLUDED.predicted_bat_soc,
			objective_value_eur = EXCLUDED.objective_value_eur,
			solver_status = EXCLUDED.solver_status,
			computed_at = EXCLUDED.computed_at
	`)
	if err != nil {
		return fmt.Errorf("telemetry: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, slot := range h.Slots {
		if _, err := stmt.ExecContext(ctx,
			slot.Start, slot.Index, slot.BatChargeKW, slot.BatDischargeKW,
			slot.EVChargeKW, slot.ExpectedPrice, slot.ExpectedPVkW, slot.ExpectedLoadKW,
			slot.PredictedBatSOC, h.ObjectiveValueEUR, h.SolverStatus, h.ComputedAt,
		); err != nil {
			return fmt.Errorf("telemetry: insert slot %d: %w", slot.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("telemetry: commit: %w", err)
	}
	return nil
}

// RecentSlots loads every slot saved at or after since, ordered by
// start_time, for offline plan-accuracy analysis. Returns nil, nil on a
// nil Sink.
func (s *Sink) RecentSlots(ctx context.Context, since time.Time) ([]planner.Slot, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT start_time, slot_index, bat_charge_kw, bat_discharge_kw,
		       ev_charge_kw, expected_price, expected_pv_kw, expected_load_kw,
		       predicted_bat_soc
		FROM plan_slots
		WHERE start_time >= $1
		ORDER BY start_time ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("telemetry: query: %w", err)
	}
	defer rows.Close()

	var slots []planner.Slot
	for rows.Next() {
		var sl planner.Slot
		if err := rows.Scan(
			&sl.Start, &sl.Index, &sl.BatChargeKW, &sl.BatDischargeKW,
			&sl.EVChargeKW, &sl.ExpectedPrice, &sl.ExpectedPVkW, &sl.ExpectedLoadKW,
			&sl.PredictedBatSOC,
		); err != nil {
			return nil, fmt.Errorf("telemetry: scan: %w", err)
		}
		slots = append(slots, sl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("telemetry: row iteration: %w", err)
	}
	return slots, nil
}
