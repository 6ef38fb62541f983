package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/KBT0207/tally-project-sub000/model"
	"github.com/KBT0207/tally-project-sub000/parser"
	"github.com/KBT0207/tally-project-sub000/progress"
	"github.com/KBT0207/tally-project-sub000/upstream"
)

const emptyEnvelope = `<ENVELOPE></ENVELOPE>`

func salesEnvelope(guid string, alterID int64) string {
	return fmt.Sprintf(`<ENVELOPE><VOUCHER ACTION="Create">
<GUID>%s</GUID><ALTERID>%d</ALTERID><DATE>20240501</DATE>
<VOUCHERNUMBER>S1</VOUCHERNUMBER><VOUCHERTYPENAME>Sales</VOUCHERTYPENAME>
<PARTYLEDGERNAME>Customer</PARTYLEDGERNAME>
<ALLLEDGERENTRIES.LIST><LEDGERNAME>Customer</LEDGERNAME><AMOUNT>-100</AMOUNT><ISPARTYLEDGER>Yes</ISPARTYLEDGER></ALLLEDGERENTRIES.LIST>
<ALLINVENTORYENTRIES.LIST><STOCKITEMNAME>Widget</STOCKITEMNAME><RATE>100/Nos</RATE><AMOUNT>100</AMOUNT><ACTUALQTY>1 Nos</ACTUALQTY></ALLINVENTORYENTRIES.LIST>
</VOUCHER></ENVELOPE>`, guid, alterID)
}

func receiptEnvelope(guid string, alterID int64) string {
	return fmt.Sprintf(`<ENVELOPE><VOUCHER ACTION="Create">
<GUID>%s</GUID><ALTERID>%d</ALTERID><DATE>20240501</DATE>
<VOUCHERNUMBER>R1</VOUCHERNUMBER><VOUCHERTYPENAME>Receipt</VOUCHERTYPENAME>
<ALLLEDGERENTRIES.LIST><LEDGERNAME>Bank</LEDGERNAME><AMOUNT>-500</AMOUNT></ALLLEDGERENTRIES.LIST>
</VOUCHER></ENVELOPE>`, guid, alterID)
}

type fetchCall struct {
	kind model.EntityKind
	req  upstream.FetchRequest
}

type fakeFetcher struct {
	mu      sync.Mutex
	pingErr error
	pinged  []string
	respond func(kind model.EntityKind, req upstream.FetchRequest) ([]byte, error)
	calls   []fetchCall
}

func (f *fakeFetcher) Ping(ctx context.Context, company string) error {
	f.mu.Lock()
	f.pinged = append(f.pinged, company)
	f.mu.Unlock()
	return f.pingErr
}

func (f *fakeFetcher) Fetch(ctx context.Context, kind model.EntityKind, req upstream.FetchRequest) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{kind: kind, req: req})
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(kind, req)
	}
	return []byte(emptyEnvelope), nil
}

func (f *fakeFetcher) callsFor(kind model.EntityKind) []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fetchCall
	for _, c := range f.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

type fakeWarehouse struct {
	mu        sync.Mutex
	inventory map[model.EntityKind][]model.InventoryVoucherRow
	ledgerV   map[model.EntityKind][]model.LedgerVoucherRow
	ledgers   []model.LedgerRow
	balances  []model.TrialBalanceRow
	failKind  model.EntityKind
	failErr   error
}

func newFakeWarehouse() *fakeWarehouse {
	return &fakeWarehouse{
		inventory: make(map[model.EntityKind][]model.InventoryVoucherRow),
		ledgerV:   make(map[model.EntityKind][]model.LedgerVoucherRow),
	}
}

func (w *fakeWarehouse) UpsertLedgers(ctx context.Context, rows []model.LedgerRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ledgers = append(w.ledgers, rows...)
	return nil
}

func (w *fakeWarehouse) UpsertTrialBalance(ctx context.Context, rows []model.TrialBalanceRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances = append(w.balances, rows...)
	return nil
}

func (w *fakeWarehouse) UpsertInventoryVouchers(ctx context.Context, kind model.EntityKind, rows []model.InventoryVoucherRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if kind == w.failKind && w.failErr != nil {
		return w.failErr
	}
	w.inventory[kind] = append(w.inventory[kind], rows...)
	return nil
}

func (w *fakeWarehouse) UpsertLedgerVouchers(ctx context.Context, kind model.EntityKind, rows []model.LedgerVoucherRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if kind == w.failKind && w.failErr != nil {
		return w.failErr
	}
	w.ledgerV[kind] = append(w.ledgerV[kind], rows...)
	return nil
}

func (w *fakeWarehouse) UpsertInventoryAndAdvanceMonth(ctx context.Context, company string, kind model.EntityKind, rows []model.InventoryVoucherRow, month string) error {
	return w.UpsertInventoryVouchers(ctx, kind, rows)
}

func (w *fakeWarehouse) UpsertLedgerAndAdvanceMonth(ctx context.Context, company string, kind model.EntityKind, rows []model.LedgerVoucherRow, month string) error {
	return w.UpsertLedgerVouchers(ctx, kind, rows)
}

type fakeStates struct {
	mu     sync.Mutex
	states map[string]model.SyncState
}

func newFakeStates() *fakeStates {
	return &fakeStates{states: make(map[string]model.SyncState)}
}

func stateKey(company string, kind model.EntityKind) string {
	return company + "/" + string(kind)
}

func (s *fakeStates) seed(st model.SyncState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[stateKey(st.CompanyName, st.VoucherType)] = st
}

func (s *fakeStates) Get(ctx context.Context, company string, kind model.EntityKind) (model.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[stateKey(company, kind)]
	if !ok {
		st = model.SyncState{CompanyName: company, VoucherType: kind}
		s.states[stateKey(company, kind)] = st
	}
	return st, nil
}

func (s *fakeStates) Update(ctx context.Context, company string, kind model.EntityKind, alterID int64, initialDone bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[stateKey(company, kind)]
	st.CompanyName, st.VoucherType = company, kind
	if alterID > st.LastAlterID {
		st.LastAlterID = alterID
	}
	st.IsInitialDone = st.IsInitialDone || initialDone
	s.states[stateKey(company, kind)] = st
	return nil
}

func (s *fakeStates) AdvanceMonth(ctx context.Context, company string, kind model.EntityKind, month string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[stateKey(company, kind)]
	st.CompanyName, st.VoucherType = company, kind
	if month > st.LastSyncedMonth {
		st.LastSyncedMonth = month
	}
	s.states[stateKey(company, kind)] = st
	return nil
}

func (s *fakeStates) MarkInitialDone(ctx context.Context, company string, kind model.EntityKind, finalAlterID int64, finalMonth string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[stateKey(company, kind)]
	st.CompanyName, st.VoucherType = company, kind
	st.IsInitialDone = true
	if finalAlterID > st.LastAlterID {
		st.LastAlterID = finalAlterID
	}
	if finalMonth > st.LastSyncedMonth {
		st.LastSyncedMonth = finalMonth
	}
	s.states[stateKey(company, kind)] = st
	return nil
}

func (s *fakeStates) get(company string, kind model.EntityKind) model.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[stateKey(company, kind)]
}

func newTestOrchestrator(f *fakeFetcher, wh *fakeWarehouse, st *fakeStates) *Orchestrator {
	return NewOrchestrator(f, wh, st, parser.NewClassifier(nil), nil, nil, zap.NewNop(), Options{
		Workers:     4,
		ChunkMonths: 3,
	})
}

var testCompany = model.Company{
	Name:         "Acme",
	StartingFrom: date(2024, time.April, 15),
	IsActive:     true,
}

func TestInitialSnapshotWalksChunks(t *testing.T) {
	f := &fakeFetcher{
		respond: func(kind model.EntityKind, req upstream.FetchRequest) ([]byte, error) {
			if kind == model.KindSales && req.FromDate != nil && req.FromDate.Month() == time.April {
				return []byte(salesEnvelope("g-1", 101)), nil
			}
			return []byte(emptyEnvelope), nil
		},
	}
	wh := newFakeWarehouse()
	st := newFakeStates()
	o := newTestOrchestrator(f, wh, st)

	res := o.Run(context.Background(), testCompany, nil, date(2024, time.September, 15))
	if res.ExitCode() != 0 {
		t.Fatalf("exit = %d, errors = %v", res.ExitCode(), res.KindErrors)
	}

	// Two windows: Apr 15 – Jun 30 and Jul 1 – Sep 15.
	calls := f.callsFor(model.KindSales)
	if len(calls) != 2 {
		t.Fatalf("sales fetches = %d, want 2", len(calls))
	}
	if !calls[0].req.FromDate.Equal(date(2024, time.April, 15)) || !calls[0].req.ToDate.Equal(date(2024, time.June, 30)) {
		t.Errorf("first window = %v → %v", calls[0].req.FromDate, calls[0].req.ToDate)
	}
	if !calls[1].req.FromDate.Equal(date(2024, time.July, 1)) || !calls[1].req.ToDate.Equal(date(2024, time.September, 15)) {
		t.Errorf("second window = %v → %v", calls[1].req.FromDate, calls[1].req.ToDate)
	}

	sales := st.get("Acme", model.KindSales)
	if !sales.IsInitialDone {
		t.Error("initial snapshot not marked done")
	}
	if sales.LastSyncedMonth != "202409" {
		t.Errorf("last synced month = %q, want 202409", sales.LastSyncedMonth)
	}
	if sales.LastAlterID != 101 {
		t.Errorf("alter id = %d, want 101", sales.LastAlterID)
	}
	if len(wh.inventory[model.KindSales]) != 1 {
		t.Errorf("sales rows = %d, want 1", len(wh.inventory[model.KindSales]))
	}

	// Every kind, including the empty ones, completes its snapshot.
	for _, kind := range model.VoucherKinds {
		if got := st.get("Acme", kind); !got.IsInitialDone {
			t.Errorf("%s: initial snapshot not done", kind)
		}
	}
}

func TestSnapshotResumesAfterWatermark(t *testing.T) {
	f := &fakeFetcher{}
	wh := newFakeWarehouse()
	st := newFakeStates()
	st.seed(model.SyncState{
		CompanyName: "Acme", VoucherType: model.KindSales,
		LastSyncedMonth: "202406",
	})
	o := newTestOrchestrator(f, wh, st)

	res := o.Run(context.Background(), testCompany, nil, date(2024, time.September, 15))
	if res.ExitCode() != 0 {
		t.Fatalf("exit = %d", res.ExitCode())
	}

	calls := f.callsFor(model.KindSales)
	if len(calls) != 1 {
		t.Fatalf("sales fetches = %d, want 1 (committed chunk must be skipped)", len(calls))
	}
	if !calls[0].req.FromDate.Equal(date(2024, time.July, 1)) {
		t.Errorf("resume fetch starts %v, want 2024-07-01", calls[0].req.FromDate)
	}
}

func TestCDCNoOpLeavesWatermark(t *testing.T) {
	f := &fakeFetcher{}
	wh := newFakeWarehouse()
	st := newFakeStates()
	st.seed(model.SyncState{
		CompanyName: "Acme", VoucherType: model.KindSales,
		LastAlterID: 500, IsInitialDone: true, LastSyncedMonth: "202409",
	})
	o := newTestOrchestrator(f, wh, st)

	res := o.Run(context.Background(), testCompany, nil, date(2024, time.September, 15))
	if res.ExitCode() != 0 {
		t.Fatalf("exit = %d", res.ExitCode())
	}

	calls := f.callsFor(model.KindSales)
	if len(calls) != 1 {
		t.Fatalf("sales fetches = %d, want 1", len(calls))
	}
	if !calls[0].req.CDC || calls[0].req.LastAlterID != 500 {
		t.Errorf("want cdc fetch above 500, got %+v", calls[0].req)
	}
	after := st.get("Acme", model.KindSales)
	if after.LastAlterID != 500 || !after.IsInitialDone {
		t.Errorf("watermark moved on a no-op: %+v", after)
	}
	if len(wh.inventory[model.KindSales]) != 0 {
		t.Error("no rows expected on an empty delta")
	}
}

func TestCDCDeltaAdvancesWatermark(t *testing.T) {
	f := &fakeFetcher{
		respond: func(kind model.EntityKind, req upstream.FetchRequest) ([]byte, error) {
			if kind == model.KindSales {
				return []byte(salesEnvelope("g-2", 600)), nil
			}
			if kind == model.KindReceipt {
				return []byte(receiptEnvelope("g-3", 610)), nil
			}
			return []byte(emptyEnvelope), nil
		},
	}
	wh := newFakeWarehouse()
	st := newFakeStates()
	for _, kind := range model.VoucherKinds {
		st.seed(model.SyncState{
			CompanyName: "Acme", VoucherType: kind,
			LastAlterID: 500, IsInitialDone: true, LastSyncedMonth: "202409",
		})
	}
	o := newTestOrchestrator(f, wh, st)

	res := o.Run(context.Background(), testCompany, nil, date(2024, time.September, 15))
	if res.ExitCode() != 0 {
		t.Fatalf("exit = %d, errors = %v", res.ExitCode(), res.KindErrors)
	}

	if got := st.get("Acme", model.KindSales).LastAlterID; got != 600 {
		t.Errorf("sales watermark = %d, want 600", got)
	}
	if got := st.get("Acme", model.KindReceipt).LastAlterID; got != 610 {
		t.Errorf("receipt watermark = %d, want 610", got)
	}
	if len(wh.inventory[model.KindSales]) != 1 || len(wh.ledgerV[model.KindReceipt]) != 1 {
		t.Errorf("rows: sales=%d receipt=%d, want 1 each",
			len(wh.inventory[model.KindSales]), len(wh.ledgerV[model.KindReceipt]))
	}
}

func TestChunkFailureStopsKindResumably(t *testing.T) {
	boom := errors.New("upstream blew up")
	f := &fakeFetcher{
		respond: func(kind model.EntityKind, req upstream.FetchRequest) ([]byte, error) {
			// Sales fails on the second window only.
			if kind == model.KindSales && req.FromDate != nil && req.FromDate.Month() == time.July {
				return nil, boom
			}
			return []byte(emptyEnvelope), nil
		},
	}
	wh := newFakeWarehouse()
	st := newFakeStates()
	o := newTestOrchestrator(f, wh, st)

	res := o.Run(context.Background(), testCompany, nil, date(2024, time.September, 15))
	if res.ExitCode() != 1 {
		t.Fatalf("exit = %d, want 1", res.ExitCode())
	}
	if !errors.Is(res.KindErrors[model.KindSales], boom) {
		t.Fatalf("sales error = %v", res.KindErrors[model.KindSales])
	}

	sales := st.get("Acme", model.KindSales)
	if sales.IsInitialDone {
		t.Error("failed snapshot must not be marked done")
	}
	if sales.LastSyncedMonth != "202406" {
		t.Errorf("watermark = %q, want the last committed chunk 202406", sales.LastSyncedMonth)
	}
	// Other kinds are unaffected.
	if got := st.get("Acme", model.KindReceipt); !got.IsInitialDone {
		t.Error("receipt snapshot should have completed")
	}
}

func TestUnreachableUpstream(t *testing.T) {
	f := &fakeFetcher{pingErr: errors.New("connection refused")}
	o := newTestOrchestrator(f, newFakeWarehouse(), newFakeStates())

	res := o.Run(context.Background(), testCompany, nil, date(2024, time.September, 15))
	if !res.Unreachable || res.ExitCode() != 2 {
		t.Fatalf("want unreachable exit 2, got %+v", res)
	}
	if len(f.calls) != 0 {
		t.Errorf("no fetches expected after a failed ping, got %d", len(f.calls))
	}
	// The reachability probe must target the company's own endpoint,
	// so the company has to travel with the ping.
	if len(f.pinged) != 1 || f.pinged[0] != "Acme" {
		t.Errorf("pinged = %v, want [Acme]", f.pinged)
	}
}

func TestMastersFailureIsNonFatal(t *testing.T) {
	f := &fakeFetcher{
		respond: func(kind model.EntityKind, req upstream.FetchRequest) ([]byte, error) {
			if kind == model.KindLedger {
				return nil, errors.New("masters export broken")
			}
			return []byte(emptyEnvelope), nil
		},
	}
	st := newFakeStates()
	o := newTestOrchestrator(f, newFakeWarehouse(), st)

	res := o.Run(context.Background(), testCompany, nil, date(2024, time.September, 15))
	if res.MastersErr == nil {
		t.Fatal("want masters error recorded")
	}
	if res.ExitCode() != 0 {
		t.Fatalf("masters failure must not fail the run: exit = %d", res.ExitCode())
	}
	if got := st.get("Acme", model.KindSales); !got.IsInitialDone {
		t.Error("voucher sync should proceed despite the masters failure")
	}
	// The trial balance is independent of the ledger masters and must
	// still be attempted.
	if calls := f.callsFor(model.KindTrialBalance); len(calls) != 1 {
		t.Errorf("trial balance fetches = %d, want 1 despite the ledger failure", len(calls))
	}
}

func TestTryRunRejectsConcurrentRun(t *testing.T) {
	block := make(chan struct{})
	f := &fakeFetcher{
		respond: func(kind model.EntityKind, req upstream.FetchRequest) ([]byte, error) {
			<-block
			return []byte(emptyEnvelope), nil
		},
	}
	o := newTestOrchestrator(f, newFakeWarehouse(), newFakeStates())

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(started)
		o.TryRun(context.Background(), testCompany, nil, date(2024, time.September, 15))
		close(done)
	}()
	<-started
	for !o.Running("Acme") {
		time.Sleep(time.Millisecond)
	}

	_, err := o.TryRun(context.Background(), testCompany, nil, date(2024, time.September, 15))
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}

	close(block)
	<-done
	if o.Running("Acme") {
		t.Error("run still marked in flight after completion")
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	f := &fakeFetcher{
		respond: func(kind model.EntityKind, req upstream.FetchRequest) ([]byte, error) {
			once.Do(cancel)
			return nil, ctx.Err()
		},
	}
	o := newTestOrchestrator(f, newFakeWarehouse(), newFakeStates())

	res := o.Run(ctx, testCompany, nil, date(2024, time.September, 15))
	if res.ExitCode() == 0 {
		t.Fatal("cancelled run must not report success")
	}
}

type captureSink struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureSink) Consume(ev progress.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captureSink) filter(typ progress.EventType, kind string) []progress.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []progress.Event
	for _, ev := range c.events {
		if ev.Type == typ && ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestFailingKindPublishesErrorEvents(t *testing.T) {
	boom := errors.New("warehouse down")
	f := &fakeFetcher{
		respond: func(kind model.EntityKind, req upstream.FetchRequest) ([]byte, error) {
			if kind == model.KindSales {
				return []byte(salesEnvelope("g-4", 42)), nil
			}
			return []byte(emptyEnvelope), nil
		},
	}
	wh := newFakeWarehouse()
	wh.failKind, wh.failErr = model.KindSales, boom
	st := newFakeStates()

	bus := progress.NewBus(64)
	sink := &captureSink{}
	bus.AddSink(sink)
	o := NewOrchestrator(f, wh, st, parser.NewClassifier(nil), bus, nil, zap.NewNop(), Options{
		Workers:     4,
		ChunkMonths: 3,
	})

	res := o.Run(context.Background(), testCompany, nil, date(2024, time.September, 15))
	bus.Close()

	if res.ExitCode() != 1 {
		t.Fatalf("exit = %d, want 1", res.ExitCode())
	}

	logs := sink.filter(progress.EventLog, string(model.KindSales))
	if len(logs) == 0 {
		t.Fatal("failing kind published no log event")
	}
	if !strings.Contains(logs[0].Error, "warehouse down") {
		t.Errorf("log event error = %q, want the upsert failure", logs[0].Error)
	}
	statuses := sink.filter(progress.EventStatus, string(model.KindSales))
	if len(statuses) == 0 || statuses[0].Error == "" {
		t.Fatalf("failing kind published no error status, got %+v", statuses)
	}
}

func TestChunkEventsOnlyForCommittedChunks(t *testing.T) {
	f := &fakeFetcher{
		respond: func(kind model.EntityKind, req upstream.FetchRequest) ([]byte, error) {
			// Sales has data in the first window only.
			if kind == model.KindSales && req.FromDate != nil && req.FromDate.Month() == time.April {
				return []byte(salesEnvelope("g-5", 7)), nil
			}
			return []byte(emptyEnvelope), nil
		},
	}
	bus := progress.NewBus(64)
	sink := &captureSink{}
	bus.AddSink(sink)
	o := NewOrchestrator(f, newFakeWarehouse(), newFakeStates(), parser.NewClassifier(nil), bus, nil, zap.NewNop(), Options{
		Workers:     4,
		ChunkMonths: 3,
	})

	res := o.Run(context.Background(), testCompany, nil, date(2024, time.September, 15))
	bus.Close()

	if res.ExitCode() != 0 {
		t.Fatalf("exit = %d, errors = %v", res.ExitCode(), res.KindErrors)
	}

	committed := func(kind model.EntityKind) int {
		n := 0
		for _, ev := range sink.filter(progress.EventProgress, string(kind)) {
			if ev.Message == "chunk committed" {
				n++
			}
		}
		return n
	}
	// Two windows for sales, only the first one carries rows.
	if got := committed(model.KindSales); got != 1 {
		t.Errorf("sales chunk committed events = %d, want 1", got)
	}
	if got := committed(model.KindReceipt); got != 0 {
		t.Errorf("receipt chunk committed events = %d, want 0 (all chunks empty)", got)
	}
}

func TestCDCNoOpLogsAtInfo(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	f := &fakeFetcher{}
	st := newFakeStates()
	st.seed(model.SyncState{
		CompanyName: "Acme", VoucherType: model.KindSales,
		LastAlterID: 500, IsInitialDone: true, LastSyncedMonth: "202409",
	})
	o := NewOrchestrator(f, newFakeWarehouse(), st, parser.NewClassifier(nil), nil, nil, zap.New(core), Options{
		Workers:     4,
		ChunkMonths: 3,
	})

	res := o.Run(context.Background(), testCompany, nil, date(2024, time.September, 15))
	if res.ExitCode() != 0 {
		t.Fatalf("exit = %d", res.ExitCode())
	}

	entries := logs.FilterMessage("no new/changed records").All()
	if len(entries) == 0 {
		t.Fatal("empty delta should be logged as an info-level no-op")
	}
	for _, e := range entries {
		if e.Level != zapcore.InfoLevel {
			t.Errorf("no-op logged at %s, want info", e.Level)
		}
	}
}
