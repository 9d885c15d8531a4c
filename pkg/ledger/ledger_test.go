package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/koperasi/shuengine/pkg/cache"
	"github.com/koperasi/shuengine/pkg/calculator"
	"github.com/koperasi/shuengine/pkg/models"
	"github.com/koperasi/shuengine/pkg/store"
	"github.com/shopspring/decimal"
)

// MockStore is a simple in-memory implementation of the Storage interface for testing.
type MockStore struct {
	mu           sync.Mutex
	transactions []*models.Transaction
	settings     models.Settings
	ledgerReads  int
}

func NewMockStore() *MockStore {
	return &MockStore{settings: models.DefaultSettings()}
}

func (m *MockStore) GetAllTransactions(ctx context.Context) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledgerReads++
	return append([]*models.Transaction(nil), m.transactions...), nil
}

func (m *MockStore) GetSettings(ctx context.Context) (*models.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.settings
	return &s, nil
}

func (m *MockStore) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions = append(m.transactions, tx)
	return nil
}

func (m *MockStore) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.transactions {
		if tx.ID == id {
			return tx, nil
		}
	}
	return nil, store.ErrTransactionNotFound
}

func (m *MockStore) GetTransactionsForMember(ctx context.Context, memberID string) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txs := []*models.Transaction{}
	for _, tx := range m.transactions {
		if tx.MemberID == memberID {
			txs = append(txs, tx)
		}
	}
	return txs, nil
}

func (m *MockStore) SaveSettings(ctx context.Context, s *models.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = *s
	return nil
}

func (m *MockStore) Close() error {
	return nil
}

var clock = time.Date(2025, 11, 1, 9, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T) (*Ledger, *MockStore) {
	s := NewMockStore()
	l := NewLedger(s, cache.NewMemoryKV()).WithClock(func() time.Time { return clock })

	deposit := &models.Transaction{
		MemberID: "M1",
		Kind:     models.KindDeposit,
		Category: "wajib",
		Amount:   decimal.NewFromInt(1_000_000),
		Date:     clock.AddDate(-2, 0, 0),
	}
	if err := l.RecordTransaction(context.Background(), deposit); err != nil {
		t.Fatalf("Failed to record deposit: %v", err)
	}
	return l, s
}

func formulaSettings(s *MockStore, expr string) *models.Settings {
	updated := s.settings
	updated.Financial.SHUFormula = expr
	return &updated
}

func TestRecordTransaction_Validation(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	bad := []*models.Transaction{
		{Kind: models.KindDeposit, Amount: decimal.NewFromInt(1)},
		{MemberID: "M1", Kind: "gift", Amount: decimal.NewFromInt(1)},
		{MemberID: "M1", Kind: models.KindLoan, Amount: decimal.NewFromInt(-5)},
		{MemberID: "M1", Kind: models.KindDeposit, Amount: decimal.Zero},
		{MemberID: "M1", Kind: models.KindDeposit, Amount: decimal.NewFromInt(1), Status: "lost"},
	}
	for i, tx := range bad {
		if err := l.RecordTransaction(ctx, tx); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("case %d: expected ErrInvalidRequest, got %v", i, err)
		}
	}

	ok := &models.Transaction{MemberID: "M1", Kind: models.KindWithdrawal, Amount: decimal.NewFromInt(-100)}
	if err := l.RecordTransaction(ctx, ok); err != nil {
		t.Fatalf("Failed to record withdrawal: %v", err)
	}
	if ok.ID == uuid.Nil || ok.Status != models.StatusSuccess || !ok.Date.Equal(clock) {
		t.Errorf("Expected defaults to be filled in, got %+v", ok)
	}
}

func TestCalculate_UsesCache(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()

	first := l.SHU(ctx, "M1")
	reads := s.ledgerReads
	second := l.SHU(ctx, "M1")

	if !first.Equal(second) {
		t.Errorf("Expected identical results, got %s and %s", first, second)
	}
	if s.ledgerReads != reads {
		t.Errorf("Expected a cache hit, ledger was read %d more times", s.ledgerReads-reads)
	}
}

func TestCalculate_FormulaChangeIsNeverServedStale(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()
	if err := l.SaveSettings(ctx, formulaSettings(s, "simpanan_khusus * 0.03 + simpanan_wajib * 0.05")); err != nil {
		t.Fatalf("Failed to save settings: %v", err)
	}

	v1 := l.SHU(ctx, "M1")
	if !v1.Equal(decimal.NewFromInt(42_000)) {
		t.Fatalf("Expected 42000, got %s", v1)
	}

	if err := l.SaveSettings(ctx, formulaSettings(s, "simpanan_wajib * 0.1")); err != nil {
		t.Fatalf("Failed to save settings: %v", err)
	}

	v2 := l.SHU(ctx, "M1")
	if !v2.Equal(decimal.NewFromInt(60_000)) {
		t.Errorf("Expected 60000 after formula change, got %s", v2)
	}
}

func TestCalculate_LedgerWriteRefreshesMember(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	before := l.THR(ctx, "M1")
	err := l.RecordTransaction(ctx, &models.Transaction{MemberID: "M1", Kind: models.KindDeposit, Amount: decimal.NewFromInt(1_000_000)})
	if err != nil {
		t.Fatalf("Failed to record deposit: %v", err)
	}
	after := l.THR(ctx, "M1")

	// THR: wajib x 2% + years x 10,000
	if !before.Equal(decimal.NewFromInt(32_000)) || !after.Equal(decimal.NewFromInt(44_000)) {
		t.Errorf("Expected 32000 then 44000, got %s then %s", before, after)
	}
}

func TestSaveSettings_PublishesEvents(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()

	var got []models.Event
	l.Bus().Subscribe(func(ev models.Event) { got = append(got, ev) })

	unchanged := s.settings
	unchanged.Financial.InterestRatePercent = decimal.NewFromInt(3)
	if err := l.SaveSettings(ctx, &unchanged); err != nil {
		t.Fatalf("Failed to save settings: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Rate changes should not invalidate SHU results, got %d events", len(got))
	}

	if err := l.SaveSettings(ctx, formulaSettings(s, "jasa")); err != nil {
		t.Fatalf("Failed to save settings: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(got))
	}
	if got[0].Type != models.EventFormulaChanged || got[1].Type != models.EventCalculationsRefreshed {
		t.Errorf("Unexpected event order %s, %s", got[0].Type, got[1].Type)
	}
	if got[0].Formula != "jasa" || got[0].Generation != 1 || got[0].Origin != models.OriginLocal {
		t.Errorf("Unexpected event payload %+v", got[0])
	}
	if l.Watcher().Poll(ctx) {
		t.Error("Watcher should not re-announce a locally published change")
	}
}

func TestViews_RecomputeOnFormulaChange(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()

	err := l.RecordTransaction(ctx, &models.Transaction{MemberID: "M2", Kind: models.KindDeposit, Amount: decimal.NewFromInt(500_000)})
	if err != nil {
		t.Fatalf("Failed to record deposit: %v", err)
	}

	v1 := l.Watch(ctx, "M1", calculator.KindSHU)
	v2 := l.Watch(ctx, "M2", calculator.KindSHU)
	defer v2.Close()

	if err := l.SaveSettings(ctx, formulaSettings(s, "total_simpanan * 0.1")); err != nil {
		t.Fatalf("Failed to save settings: %v", err)
	}

	if !v1.Value().Equal(decimal.NewFromInt(100_000)) || !v2.Value().Equal(decimal.NewFromInt(50_000)) {
		t.Errorf("Expected views 100000 and 50000, got %s and %s", v1.Value(), v2.Value())
	}
	if v1.Refreshes() != 1 || v2.Refreshes() != 1 {
		t.Errorf("Expected one refresh each, got %d and %d", v1.Refreshes(), v2.Refreshes())
	}

	v1.Close()
	if err := l.SaveSettings(ctx, formulaSettings(s, "total_simpanan * 0.2")); err != nil {
		t.Fatalf("Failed to save settings: %v", err)
	}
	if v1.Refreshes() != 1 || v2.Refreshes() != 2 {
		t.Errorf("Closed views must not refresh, got %d and %d", v1.Refreshes(), v2.Refreshes())
	}
}

func TestViews_SharedStorageChange(t *testing.T) {
	s := NewMockStore()
	kv := cache.NewMemoryKV()
	tab1 := NewLedger(s, kv)
	tab2 := NewLedger(s, kv)
	ctx := context.Background()

	if err := tab1.RecordTransaction(ctx, &models.Transaction{MemberID: "M1", Kind: models.KindDeposit, Amount: decimal.NewFromInt(1_000_000)}); err != nil {
		t.Fatalf("Failed to record deposit: %v", err)
	}
	view := tab2.Watch(ctx, "M1", calculator.KindSHU)
	defer view.Close()
	tab2.Watcher().Poll(ctx)

	if err := tab1.SaveSettings(ctx, formulaSettings(s, "total_simpanan * 0.01")); err != nil {
		t.Fatalf("Failed to save settings: %v", err)
	}
	if !tab2.Watcher().Poll(ctx) {
		t.Fatal("Expected the other process to notice the change")
	}
	if !view.Value().Equal(decimal.NewFromInt(10_000)) {
		t.Errorf("Expected 10000, got %s", view.Value())
	}
}

func TestResetCache(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()
	l.SHU(ctx, "M1")
	reads := s.ledgerReads

	if err := l.ResetCache(ctx); err != nil {
		t.Fatalf("Failed to reset cache: %v", err)
	}
	l.SHU(ctx, "M1")
	if s.ledgerReads == reads {
		t.Error("Expected a recomputation after reset")
	}
}

func TestRecordInstallment(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()
	s.settings.Financial.InterestRatePercent = decimal.NewFromInt(2)

	loan := &models.Transaction{MemberID: "M1", Kind: models.KindLoan, Amount: decimal.NewFromInt(100_000)}
	if err := l.RecordTransaction(ctx, loan); err != nil {
		t.Fatalf("Failed to record loan: %v", err)
	}

	tx, alloc, err := l.RecordInstallment(ctx, loan.ID, decimal.NewFromInt(52_000), "")
	if err != nil {
		t.Fatalf("Failed to record installment: %v", err)
	}
	if tx.LoanID == nil || *tx.LoanID != loan.ID {
		t.Errorf("Installment should reference the loan explicitly")
	}
	if !alloc.InterestPortion.Equal(decimal.NewFromInt(2_000)) || !alloc.PrincipalPortion.Equal(decimal.NewFromInt(50_000)) {
		t.Errorf("Unexpected allocation %+v", alloc)
	}

	remaining, err := l.RemainingPrincipal(ctx, loan.ID)
	if err != nil {
		t.Fatalf("Failed to get remaining principal: %v", err)
	}
	if !remaining.Equal(decimal.NewFromInt(50_000)) {
		t.Errorf("Expected 50000 remaining, got %s", remaining)
	}

	// 50,000 at 2% is 1,000 interest; 60,000 clears it.
	if _, _, err := l.RecordInstallment(ctx, loan.ID, decimal.NewFromInt(60_000), ""); err != nil {
		t.Fatalf("Failed to record final installment: %v", err)
	}
	if _, _, err := l.RecordInstallment(ctx, loan.ID, decimal.NewFromInt(1), ""); err != ErrLoanSettled {
		t.Errorf("Expected ErrLoanSettled, got %v", err)
	}

	schedule, err := l.Schedule(ctx, loan.ID)
	if err != nil {
		t.Fatalf("Failed to get schedule: %v", err)
	}
	if len(schedule) != 2 {
		t.Errorf("Expected 2 schedule rows, got %d", len(schedule))
	}
}

func TestLoanLookup(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Allocate(ctx, uuid.New(), decimal.NewFromInt(1)); err != ErrLoanNotFound {
		t.Errorf("Expected ErrLoanNotFound, got %v", err)
	}
	deposit := s.transactions[0]
	if _, err := l.RemainingPrincipal(ctx, deposit.ID); err != ErrLoanNotFound {
		t.Errorf("Expected ErrLoanNotFound for a deposit id, got %v", err)
	}
}

func TestViews_RefreshOnLedgerWrite(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	own := l.Watch(ctx, "M1", calculator.KindSHU)
	defer own.Close()
	other := l.Watch(ctx, "M2", calculator.KindSHU)
	defer other.Close()

	if !own.Value().Equal(decimal.NewFromInt(42_000)) {
		t.Fatalf("Expected 42000 before the deposit, got %s", own.Value())
	}

	err := l.RecordTransaction(ctx, &models.Transaction{MemberID: "M1", Kind: models.KindDeposit, Amount: decimal.NewFromInt(1_000_000)})
	if err != nil {
		t.Fatalf("Failed to record deposit: %v", err)
	}

	if !own.Value().Equal(decimal.NewFromInt(84_000)) {
		t.Errorf("Expected 84000 after the deposit, got %s", own.Value())
	}
	if own.Refreshes() != 1 {
		t.Errorf("Expected one refresh, got %d", own.Refreshes())
	}
	if other.Refreshes() != 0 {
		t.Errorf("Views of other members must not refresh, got %d", other.Refreshes())
	}
}

func TestViews_PollPicksUpOtherProcessWrites(t *testing.T) {
	s := NewMockStore()
	kv := cache.NewMemoryKV()
	tab1 := NewLedger(s, kv)
	tab2 := NewLedger(s, kv)
	ctx := context.Background()

	if err := tab1.RecordTransaction(ctx, &models.Transaction{MemberID: "M1", Kind: models.KindDeposit, Amount: decimal.NewFromInt(1_000_000)}); err != nil {
		t.Fatalf("Failed to record deposit: %v", err)
	}
	view := tab2.Watch(ctx, "M1", calculator.KindSHU)
	defer view.Close()

	if err := tab1.RecordTransaction(ctx, &models.Transaction{MemberID: "M1", Kind: models.KindDeposit, Amount: decimal.NewFromInt(1_000_000)}); err != nil {
		t.Fatalf("Failed to record deposit: %v", err)
	}
	if !view.Value().Equal(decimal.NewFromInt(42_000)) {
		t.Fatalf("Expected the view to be untouched before polling, got %s", view.Value())
	}

	if !view.Poll(ctx) {
		t.Fatal("Expected the poll to notice the other process's deposit")
	}
	if !view.Value().Equal(decimal.NewFromInt(84_000)) {
		t.Errorf("Expected 84000, got %s", view.Value())
	}
	if view.Poll(ctx) {
		t.Error("A second poll without changes should report nothing")
	}
}

func TestViews_RunRefreshesOnInterval(t *testing.T) {
	s := NewMockStore()
	kv := cache.NewMemoryKV()
	tab1 := NewLedger(s, kv)
	tab2 := NewLedger(s, kv)
	ctx, cancel := context.WithCancel(context.Background())

	view := tab2.Watch(ctx, "M1", calculator.KindSHU)
	defer view.Close()

	done := make(chan struct{})
	go func() {
		view.Run(ctx, time.Millisecond)
		close(done)
	}()

	if err := tab1.RecordTransaction(ctx, &models.Transaction{MemberID: "M1", Kind: models.KindDeposit, Amount: decimal.NewFromInt(1_000_000)}); err != nil {
		t.Fatalf("Failed to record deposit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !view.Value().Equal(decimal.NewFromInt(42_000)) {
		if time.Now().After(deadline) {
			t.Fatalf("View never refreshed, still %s", view.Value())
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Run did not stop after cancel")
	}
}

func TestLoanLookup_InactiveLoan(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	for _, status := range []models.TransactionStatus{models.StatusPending, models.StatusFailed} {
		loan := &models.Transaction{MemberID: "M1", Kind: models.KindLoan, Amount: decimal.NewFromInt(1_000_000), Status: status}
		if err := l.RecordTransaction(ctx, loan); err != nil {
			t.Fatalf("Failed to record loan: %v", err)
		}

		if _, err := l.Allocate(ctx, loan.ID, decimal.NewFromInt(100_000)); !errors.Is(err, ErrLoanInactive) {
			t.Errorf("%s loan: expected ErrLoanInactive from Allocate, got %v", status, err)
		}
		if _, _, err := l.RecordInstallment(ctx, loan.ID, decimal.NewFromInt(100_000), ""); !errors.Is(err, ErrLoanInactive) {
			t.Errorf("%s loan: expected ErrLoanInactive from RecordInstallment, got %v", status, err)
		}
	}
}

func TestSaveSettings_EventCarriesChangedFormula(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()

	var got []models.Event
	l.Bus().Subscribe(func(ev models.Event) { got = append(got, ev) })

	updated := s.settings
	updated.Financial.THRFormula = "lama_keanggotaan * 50000"
	if err := l.SaveSettings(ctx, &updated); err != nil {
		t.Fatalf("Failed to save settings: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(got))
	}
	for _, ev := range got {
		if ev.Formula != "lama_keanggotaan * 50000" {
			t.Errorf("Expected the THR formula in %s, got %q", ev.Type, ev.Formula)
		}
	}
}

// flakyKV fails every write once failWrites is set.
type flakyKV struct {
	*cache.MemoryKV
	failWrites bool
}

func (f *flakyKV) Set(ctx context.Context, key, value string) error {
	if f.failWrites {
		return errors.New("disk full")
	}
	return f.MemoryKV.Set(ctx, key, value)
}

func TestSaveSettings_InvalidationFailure(t *testing.T) {
	s := NewMockStore()
	kv := &flakyKV{MemoryKV: cache.NewMemoryKV()}
	l := NewLedger(s, kv)
	ctx := context.Background()

	var got []models.Event
	l.Bus().Subscribe(func(ev models.Event) { got = append(got, ev) })

	kv.failWrites = true
	err := l.SaveSettings(ctx, formulaSettings(s, "total_simpanan * 0.1"))
	if !errors.Is(err, ErrInvalidationFailed) {
		t.Fatalf("Expected ErrInvalidationFailed, got %v", err)
	}
	if len(got) != 0 {
		t.Errorf("No change should be announced when invalidation failed, got %d events", len(got))
	}
	if s.settings.Financial.SHUFormula != "total_simpanan * 0.1" {
		t.Errorf("Expected settings to be saved, got %q", s.settings.Financial.SHUFormula)
	}
}
