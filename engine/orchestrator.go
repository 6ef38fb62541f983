// Package engine drives one company's sync end to end: masters and
// trial balance first, then the eight voucher kinds fanned out over a
// bounded worker pool, each kind either replaying CDC deltas or
// walking the month-chunked initial snapshot with a resumable
// watermark.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KBT0207/tally-project-sub000/metrics"
	"github.com/KBT0207/tally-project-sub000/model"
	"github.com/KBT0207/tally-project-sub000/parser"
	"github.com/KBT0207/tally-project-sub000/progress"
	"github.com/KBT0207/tally-project-sub000/upstream"
)

// ErrAlreadyRunning is returned by TryRun when a sync for the same
// company is still in flight.
var ErrAlreadyRunning = errors.New("sync already running for this company")

// Fetcher is the upstream surface the orchestrator needs. Ping carries
// the company so a multi-tenant fetcher can probe that tenant's own
// endpoint rather than the process default.
type Fetcher interface {
	Fetch(ctx context.Context, kind model.EntityKind, req upstream.FetchRequest) ([]byte, error)
	Ping(ctx context.Context, company string) error
}

// Warehouse is the row-writing surface. Satisfied by *warehouse.Writer.
type Warehouse interface {
	UpsertLedgers(ctx context.Context, rows []model.LedgerRow) error
	UpsertTrialBalance(ctx context.Context, rows []model.TrialBalanceRow) error
	UpsertInventoryVouchers(ctx context.Context, kind model.EntityKind, rows []model.InventoryVoucherRow) error
	UpsertLedgerVouchers(ctx context.Context, kind model.EntityKind, rows []model.LedgerVoucherRow) error
	UpsertInventoryAndAdvanceMonth(ctx context.Context, company string, kind model.EntityKind, rows []model.InventoryVoucherRow, month string) error
	UpsertLedgerAndAdvanceMonth(ctx context.Context, company string, kind model.EntityKind, rows []model.LedgerVoucherRow, month string) error
}

// StateStore is the watermark surface. Satisfied by
// *warehouse.StateStore.
type StateStore interface {
	Get(ctx context.Context, company string, kind model.EntityKind) (model.SyncState, error)
	Update(ctx context.Context, company string, kind model.EntityKind, alterID int64, initialDone bool) error
	AdvanceMonth(ctx context.Context, company string, kind model.EntityKind, month string) error
	MarkInitialDone(ctx context.Context, company string, kind model.EntityKind, finalAlterID int64, finalMonth string) error
}

// Options tunes one Orchestrator.
type Options struct {
	Workers     int       // voucher-kind fan-out, default 8
	ChunkMonths int       // snapshot window size, default 3
	DefaultFrom time.Time // fallback when the company has no starting date
}

type Orchestrator struct {
	fetcher    Fetcher
	wh         Warehouse
	states     StateStore
	classifier *parser.Classifier
	bus        *progress.Bus
	metrics    *metrics.Collector
	logger     *zap.Logger

	workers     int
	chunkMonths int
	defaultFrom time.Time

	mu      sync.Mutex
	running map[string]struct{}
}

func NewOrchestrator(f Fetcher, wh Warehouse, states StateStore, classifier *parser.Classifier,
	bus *progress.Bus, m *metrics.Collector, logger *zap.Logger, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.ChunkMonths <= 0 {
		opts.ChunkMonths = 3
	}
	return &Orchestrator{
		fetcher:     f,
		wh:          wh,
		states:      states,
		classifier:  classifier,
		bus:         bus,
		metrics:     m,
		logger:      logger,
		workers:     opts.Workers,
		chunkMonths: opts.ChunkMonths,
		defaultFrom: opts.DefaultFrom,
		running:     make(map[string]struct{}),
	}
}

// RunResult is the outcome of one company sync.
type RunResult struct {
	Company     string
	RunID       string
	Unreachable bool
	MastersErr  error
	KindErrors  map[model.EntityKind]error
}

// ExitCode maps the result onto the process exit convention: 0 all
// kinds synced, 1 at least one kind failed, 2 upstream unreachable.
func (r RunResult) ExitCode() int {
	if r.Unreachable {
		return 2
	}
	if len(r.KindErrors) > 0 {
		return 1
	}
	return 0
}

// Err collapses the result into a single error for callers that only
// log it.
func (r RunResult) Err() error {
	if r.Unreachable {
		return errors.New("upstream unreachable")
	}
	if len(r.KindErrors) > 0 {
		for k, err := range r.KindErrors {
			return fmt.Errorf("%s: %w", k, err)
		}
	}
	return nil
}

// TryRun runs a sync unless one is already in flight for the company.
// This is the only entry point the scheduler and the HTTP trigger use,
// so at most one sync per company runs process-wide.
func (o *Orchestrator) TryRun(ctx context.Context, company model.Company, from *time.Time, to time.Time) (RunResult, error) {
	o.mu.Lock()
	if _, busy := o.running[company.Name]; busy {
		o.mu.Unlock()
		return RunResult{Company: company.Name}, ErrAlreadyRunning
	}
	o.running[company.Name] = struct{}{}
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.running, company.Name)
		o.mu.Unlock()
	}()

	return o.Run(ctx, company, from, to), nil
}

// Running reports whether a sync for the company is in flight.
func (o *Orchestrator) Running(company string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, busy := o.running[company]
	return busy
}

// Run executes one full sync pass. from is optional; when nil the
// company's starting date (or the configured default) is used.
func (o *Orchestrator) Run(ctx context.Context, company model.Company, from *time.Time, to time.Time) RunResult {
	res := RunResult{
		Company:    company.Name,
		RunID:      progress.NewRunID(),
		KindErrors: make(map[model.EntityKind]error),
	}
	start := o.resolveFrom(company, from)

	o.metrics.SyncStarted()
	defer o.metrics.SyncFinished()

	o.bus.Publish(progress.Event{
		Type: progress.EventStatus, RunID: res.RunID, Company: company.Name,
		Message: "sync started",
	})
	o.logger.Info("sync started",
		zap.String("company", company.Name),
		zap.Time("from", start),
		zap.Time("to", to))

	if err := o.fetcher.Ping(ctx, company.Name); err != nil {
		o.logger.Error("upstream unreachable", zap.String("company", company.Name), zap.Error(err))
		res.Unreachable = true
		o.publishAllDone(res)
		return res
	}

	// Masters and trial balance are best-effort: a failure here must
	// not block the voucher sync.
	if err := o.syncMasters(ctx, res.RunID, company, start, to); err != nil {
		o.logger.Warn("master sync failed", zap.String("company", company.Name), zap.Error(err))
		res.MastersErr = err
	}

	jobs := make(chan model.EntityKind)
	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
	)
	for i := 0; i < o.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for kind := range jobs {
				if err := ctx.Err(); err != nil {
					errMu.Lock()
					res.KindErrors[kind] = err
					errMu.Unlock()
					continue
				}
				if err := o.syncKind(ctx, res.RunID, company, kind, start, to); err != nil {
					errMu.Lock()
					res.KindErrors[kind] = err
					errMu.Unlock()
					o.publishKindError(res.RunID, company.Name, kind, err)
				}
			}
		}()
	}
	for _, kind := range model.VoucherKinds {
		jobs <- kind
	}
	close(jobs)
	wg.Wait()

	o.publishAllDone(res)
	o.logger.Info("sync finished",
		zap.String("company", company.Name),
		zap.Int("failed_kinds", len(res.KindErrors)))
	return res
}

func (o *Orchestrator) resolveFrom(company model.Company, from *time.Time) time.Time {
	if from != nil && !from.IsZero() {
		return *from
	}
	if !company.StartingFrom.IsZero() {
		return company.StartingFrom
	}
	if !company.BooksFrom.IsZero() {
		return company.BooksFrom
	}
	return o.defaultFrom
}

// publishKindError surfaces a failed kind on the bus as it happens, so
// operators see it before the terminal all_done event.
func (o *Orchestrator) publishKindError(runID, company string, kind model.EntityKind, err error) {
	o.bus.Publish(progress.Event{
		Type: progress.EventLog, RunID: runID, Company: company,
		Kind: string(kind), Message: "voucher sync failed", Error: err.Error(),
	})
	o.bus.Publish(progress.Event{
		Type: progress.EventStatus, RunID: runID, Company: company,
		Kind: string(kind), Message: "sync error", Error: err.Error(),
	})
}

func (o *Orchestrator) publishAllDone(res RunResult) {
	ev := progress.Event{
		Type: progress.EventAllDone, RunID: res.RunID, Company: res.Company,
		Message: "sync finished",
	}
	if err := res.Err(); err != nil {
		ev.Error = err.Error()
	}
	o.bus.Publish(ev)
}

// syncMasters refreshes the ledger masters (CDC by alter id) and the
// full-period trial balance. The two are independent: a ledger failure
// must not stop the trial balance refresh, or vice versa.
func (o *Orchestrator) syncMasters(ctx context.Context, runID string, company model.Company, from, to time.Time) error {
	return errors.Join(
		o.syncLedgers(ctx, runID, company),
		o.syncTrialBalance(ctx, runID, company, from, to),
	)
}

func (o *Orchestrator) syncLedgers(ctx context.Context, runID string, company model.Company) error {
	st, err := o.states.Get(ctx, company.Name, model.KindLedger)
	if err != nil {
		return err
	}

	fetchStart := time.Now()
	data, err := o.fetcher.Fetch(ctx, model.KindLedger, upstream.FetchRequest{
		Company:     company.Name,
		CDC:         st.LastAlterID > 0,
		LastAlterID: st.LastAlterID,
	})
	o.metrics.ObserveFetch(string(model.KindLedger), time.Since(fetchStart))
	if err != nil {
		o.metrics.Error("fetch")
		return fmt.Errorf("fetch ledgers: %w", err)
	}

	ledgers, err := parser.ParseLedgers(data, company.Name)
	if err != nil {
		o.metrics.Error("parse")
		o.logger.Warn("ledger parse error", zap.String("company", company.Name), zap.Error(err))
	}
	if len(ledgers) > 0 {
		upsertStart := time.Now()
		if err := o.wh.UpsertLedgers(ctx, ledgers); err != nil {
			o.metrics.Error("upsert")
			return fmt.Errorf("upsert ledgers: %w", err)
		}
		o.metrics.ObserveUpsert(model.KindLedger.Table(), len(ledgers), time.Since(upsertStart))
		if err := o.states.Update(ctx, company.Name, model.KindLedger, maxLedgerAlterID(ledgers), false); err != nil {
			return err
		}
	}
	o.bus.Publish(progress.Event{
		Type: progress.EventProgress, RunID: runID, Company: company.Name,
		Kind: string(model.KindLedger), Rows: len(ledgers), Message: "ledger masters synced",
	})
	return nil
}

func (o *Orchestrator) syncTrialBalance(ctx context.Context, runID string, company model.Company, from, to time.Time) error {
	fetchStart := time.Now()
	data, err := o.fetcher.Fetch(ctx, model.KindTrialBalance, upstream.FetchRequest{
		Company:  company.Name,
		FromDate: &from,
		ToDate:   &to,
	})
	o.metrics.ObserveFetch(string(model.KindTrialBalance), time.Since(fetchStart))
	if err != nil {
		o.metrics.Error("fetch")
		return fmt.Errorf("fetch trial balance: %w", err)
	}

	balances, err := parser.ParseTrialBalance(data, company.Name, from, to)
	if err != nil {
		o.metrics.Error("parse")
		o.logger.Warn("trial balance parse error", zap.String("company", company.Name), zap.Error(err))
	}
	if len(balances) > 0 {
		upsertStart := time.Now()
		if err := o.wh.UpsertTrialBalance(ctx, balances); err != nil {
			o.metrics.Error("upsert")
			return fmt.Errorf("upsert trial balance: %w", err)
		}
		o.metrics.ObserveUpsert(model.KindTrialBalance.Table(), len(balances), time.Since(upsertStart))
	}
	o.bus.Publish(progress.Event{
		Type: progress.EventProgress, RunID: runID, Company: company.Name,
		Kind: string(model.KindTrialBalance), Rows: len(balances), Message: "trial balance synced",
	})
	return nil
}

// syncKind is the per-kind state machine: CDC once the initial
// snapshot has completed, otherwise the resumable chunk walk.
func (o *Orchestrator) syncKind(ctx context.Context, runID string, company model.Company, kind model.EntityKind, from, to time.Time) error {
	st, err := o.states.Get(ctx, company.Name, kind)
	if err != nil {
		return err
	}
	if st.IsInitialDone {
		return o.syncCDC(ctx, runID, company, kind, st)
	}
	return o.syncSnapshot(ctx, runID, company, kind, st, from, to)
}

func (o *Orchestrator) syncCDC(ctx context.Context, runID string, company model.Company, kind model.EntityKind, st model.SyncState) error {
	res := o.fetchChunk(ctx, company.Name, kind, upstream.FetchRequest{
		Company:     company.Name,
		CDC:         true,
		LastAlterID: st.LastAlterID,
	}, "")
	if res.State == ChunkFailed {
		return res.Err
	}
	if res.State == ChunkEmpty {
		// Nothing changed upstream; the watermark stays put.
		o.logger.Info("no new/changed records",
			zap.String("company", company.Name),
			zap.String("kind", string(kind)))
		return nil
	}
	if err := o.states.Update(ctx, company.Name, kind, res.AlterID, false); err != nil {
		return err
	}
	o.bus.Publish(progress.Event{
		Type: progress.EventDone, RunID: runID, Company: company.Name,
		Kind: string(kind), Rows: res.Rows, Message: "cdc delta applied",
	})
	return nil
}

func (o *Orchestrator) syncSnapshot(ctx context.Context, runID string, company model.Company, kind model.EntityKind, st model.SyncState, from, to time.Time) error {
	chunks := GenerateChunks(from, to, o.chunkMonths)
	maxID := st.LastAlterID
	finalMonth := st.LastSyncedMonth

	for _, ch := range chunks {
		ch := ch // &ch.From/&ch.To escape into the request; don't alias the loop var
		// YYYYMM labels compare correctly as strings.
		if st.LastSyncedMonth != "" && ch.Month <= st.LastSyncedMonth {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		res := o.fetchChunk(ctx, company.Name, kind, upstream.FetchRequest{
			Company:  company.Name,
			FromDate: &ch.From,
			ToDate:   &ch.To,
		}, ch.Month)

		switch res.State {
		case ChunkFailed:
			// The watermark still points at the last committed chunk,
			// so the next run resumes right here.
			return fmt.Errorf("chunk %s: %w", ch.Month, res.Err)
		case ChunkEmpty:
			if err := o.states.AdvanceMonth(ctx, company.Name, kind, ch.Month); err != nil {
				return err
			}
		case ChunkCommitted:
			if res.AlterID > maxID {
				maxID = res.AlterID
			}
			if err := o.states.Update(ctx, company.Name, kind, maxID, false); err != nil {
				return err
			}
			o.metrics.ChunkCommitted(string(kind))
			o.bus.Publish(progress.Event{
				Type: progress.EventProgress, RunID: runID, Company: company.Name,
				Kind: string(kind), Month: ch.Month, Rows: res.Rows, Message: "chunk committed",
			})
		}
		finalMonth = ch.Month
	}

	if err := o.states.MarkInitialDone(ctx, company.Name, kind, maxID, finalMonth); err != nil {
		return err
	}
	o.bus.Publish(progress.Event{
		Type: progress.EventDone, RunID: runID, Company: company.Name,
		Kind: string(kind), Message: "initial snapshot complete",
	})
	return nil
}

// ChunkState classifies the outcome of one chunk.
type ChunkState int

const (
	ChunkCommitted ChunkState = iota
	ChunkEmpty
	ChunkFailed
)

// ChunkResult is the outcome of fetching, parsing and writing one
// window (or one CDC delta, which has no month label).
type ChunkResult struct {
	Month   string
	State   ChunkState
	AlterID int64
	Rows    int
	Err     error
}

// fetchChunk runs fetch → parse → upsert for one window. A snapshot
// chunk (month != "") commits rows and the chunk watermark in one
// transaction; a CDC delta commits rows only.
func (o *Orchestrator) fetchChunk(ctx context.Context, company string, kind model.EntityKind, req upstream.FetchRequest, month string) ChunkResult {
	fetchStart := time.Now()
	data, err := o.fetcher.Fetch(ctx, kind, req)
	o.metrics.ObserveFetch(string(kind), time.Since(fetchStart))
	if err != nil {
		o.metrics.Error("fetch")
		return ChunkResult{Month: month, State: ChunkFailed, Err: err}
	}

	if model.IsInventoryKind(kind) {
		rows, perr := parser.ParseInventoryVouchers(data, company, o.classifier)
		if perr != nil {
			// Malformed payloads yield whatever parsed; the chunk
			// still advances so a poison response cannot wedge the
			// snapshot.
			o.metrics.Error("parse")
			o.logger.Warn("voucher parse error",
				zap.String("company", company),
				zap.String("kind", string(kind)),
				zap.Error(perr))
		}
		if len(rows) == 0 {
			return ChunkResult{Month: month, State: ChunkEmpty}
		}
		upsertStart := time.Now()
		if month != "" {
			err = o.wh.UpsertInventoryAndAdvanceMonth(ctx, company, kind, rows, month)
		} else {
			err = o.wh.UpsertInventoryVouchers(ctx, kind, rows)
		}
		if err != nil {
			o.metrics.Error("upsert")
			return ChunkResult{Month: month, State: ChunkFailed, Err: err}
		}
		o.metrics.ObserveUpsert(kind.Table(), len(rows), time.Since(upsertStart))
		return ChunkResult{Month: month, State: ChunkCommitted, AlterID: maxInventoryAlterID(rows), Rows: len(rows)}
	}

	rows, perr := parser.ParseLedgerVouchers(data, company)
	if perr != nil {
		o.metrics.Error("parse")
		o.logger.Warn("voucher parse error",
			zap.String("company", company),
			zap.String("kind", string(kind)),
			zap.Error(perr))
	}
	if len(rows) == 0 {
		return ChunkResult{Month: month, State: ChunkEmpty}
	}
	upsertStart := time.Now()
	if month != "" {
		err = o.wh.UpsertLedgerAndAdvanceMonth(ctx, company, kind, rows, month)
	} else {
		err = o.wh.UpsertLedgerVouchers(ctx, kind, rows)
	}
	if err != nil {
		o.metrics.Error("upsert")
		return ChunkResult{Month: month, State: ChunkFailed, Err: err}
	}
	o.metrics.ObserveUpsert(kind.Table(), len(rows), time.Since(upsertStart))
	return ChunkResult{Month: month, State: ChunkCommitted, AlterID: maxLedgerVoucherAlterID(rows), Rows: len(rows)}
}

func maxLedgerAlterID(rows []model.LedgerRow) int64 {
	var m int64
	for _, r := range rows {
		if r.AlterID > m {
			m = r.AlterID
		}
	}
	return m
}

func maxInventoryAlterID(rows []model.InventoryVoucherRow) int64 {
	var m int64
	for _, r := range rows {
		if r.AlterID > m {
			m = r.AlterID
		}
	}
	return m
}

func maxLedgerVoucherAlterID(rows []model.LedgerVoucherRow) int64 {
	var m int64
	for _, r := range rows {
		if r.AlterID > m {
			m = r.AlterID
		}
	}
	return m
}
