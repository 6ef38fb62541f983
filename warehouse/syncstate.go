package warehouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/KBT0207/tally-project-sub000/model"
)

// StateStore is the durable watermark per (company, voucher kind).
// Alter ids only move forward, is_initial_done only latches true, and
// both fields of MarkInitialDone land in one statement so no reader can
// observe is_initial_done without its alter id.
type StateStore struct {
	pool *pgxpool.Pool
}

func NewStateStore(pool *pgxpool.Pool) *StateStore {
	return &StateStore{pool: pool}
}

// Get reads the watermark, creating the zero row on first access.
func (s *StateStore) Get(ctx context.Context, company string, kind model.EntityKind) (model.SyncState, error) {
	st := model.SyncState{CompanyName: company, VoucherType: kind}

	row := s.pool.QueryRow(ctx, `
		SELECT last_alter_id, is_initial_done, last_synced_month, COALESCE(last_sync_time, 'epoch'::timestamptz)
		FROM sync_state WHERE company_name = $1 AND voucher_type = $2
	`, company, string(kind))

	err := row.Scan(&st.LastAlterID, &st.IsInitialDone, &st.LastSyncedMonth, &st.LastSyncTime)
	if errors.Is(err, pgx.ErrNoRows) {
		_, err = s.pool.Exec(ctx, `
			INSERT INTO sync_state (company_name, voucher_type)
			VALUES ($1, $2) ON CONFLICT (company_name, voucher_type) DO NOTHING
		`, company, string(kind))
		if err != nil {
			return st, fmt.Errorf("failed to seed sync state: %w", err)
		}
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("failed to read sync state: %w", err)
	}
	return st, nil
}

// Update advances last_alter_id monotonically; initialDone can only
// latch the flag, never clear it.
func (s *StateStore) Update(ctx context.Context, company string, kind model.EntityKind, alterID int64, initialDone bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_state SET
			last_alter_id = GREATEST(last_alter_id, $3),
			is_initial_done = is_initial_done OR $4,
			last_sync_time = $5
		WHERE company_name = $1 AND voucher_type = $2
	`, company, string(kind), alterID, initialDone, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update sync state: %w", err)
	}
	return nil
}

// AdvanceMonth records the last fully committed snapshot chunk.
func (s *StateStore) AdvanceMonth(ctx context.Context, company string, kind model.EntityKind, month string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_state SET
			last_synced_month = GREATEST(last_synced_month, $3),
			last_sync_time = $4
		WHERE company_name = $1 AND voucher_type = $2
	`, company, string(kind), month, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to advance chunk month: %w", err)
	}
	return nil
}

// advanceMonthTx is the in-transaction variant used by the writer's
// combined upsert-and-advance.
func (s *StateStore) advanceMonthTx(ctx context.Context, tx pgx.Tx, company string, kind model.EntityKind, month string) error {
	_, err := tx.Exec(ctx, `
		UPDATE sync_state SET
			last_synced_month = GREATEST(last_synced_month, $3),
			last_sync_time = $4
		WHERE company_name = $1 AND voucher_type = $2
	`, company, string(kind), month, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to advance chunk month: %w", err)
	}
	return nil
}

// MarkInitialDone latches the snapshot-complete flag together with the
// terminal alter id and month.
func (s *StateStore) MarkInitialDone(ctx context.Context, company string, kind model.EntityKind, finalAlterID int64, finalMonth string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_state SET
			last_alter_id = GREATEST(last_alter_id, $3),
			is_initial_done = TRUE,
			last_synced_month = GREATEST(last_synced_month, $4),
			last_sync_time = $5
		WHERE company_name = $1 AND voucher_type = $2
	`, company, string(kind), finalAlterID, finalMonth, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark initial sync done: %w", err)
	}
	return nil
}

// All returns every watermark for a company, for the status API.
func (s *StateStore) All(ctx context.Context, company string) ([]model.SyncState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT voucher_type, last_alter_id, is_initial_done, last_synced_month, COALESCE(last_sync_time, 'epoch'::timestamptz)
		FROM sync_state WHERE company_name = $1 ORDER BY voucher_type
	`, company)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync states: %w", err)
	}
	defer rows.Close()

	var out []model.SyncState
	for rows.Next() {
		st := model.SyncState{CompanyName: company}
		var kind string
		if err := rows.Scan(&kind, &st.LastAlterID, &st.IsInitialDone, &st.LastSyncedMonth, &st.LastSyncTime); err != nil {
			return nil, err
		}
		st.VoucherType = model.EntityKind(kind)
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpsertCompany registers or refreshes a tenant row.
func UpsertCompany(ctx context.Context, pool *pgxpool.Pool, c model.Company) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO companies (name, guid, books_from, starting_from, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			guid = EXCLUDED.guid,
			books_from = EXCLUDED.books_from,
			starting_from = EXCLUDED.starting_from,
			is_active = EXCLUDED.is_active,
			updated_at = now()
	`, c.Name, c.GUID, c.BooksFrom, c.StartingFrom, c.IsActive)
	if err != nil {
		return fmt.Errorf("failed to upsert company %s: %w", c.Name, err)
	}
	return nil
}
