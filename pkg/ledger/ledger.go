package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/koperasi/shuengine/pkg/allocator"
	"github.com/koperasi/shuengine/pkg/cache"
	"github.com/koperasi/shuengine/pkg/calculator"
	"github.com/koperasi/shuengine/pkg/events"
	"github.com/koperasi/shuengine/pkg/models"
	"github.com/koperasi/shuengine/pkg/store"
	"github.com/shopspring/decimal"
)

var (
	ErrLoanNotFound   = errors.New("loan not found")
	ErrLoanSettled    = errors.New("loan is already paid off")
	ErrLoanInactive   = errors.New("loan is pending or failed")
	ErrInvalidRequest = errors.New("invalid transaction")

	// ErrInvalidationFailed means the settings were saved but cached results
	// could not be invalidated. ResetCache or a later save clears them.
	ErrInvalidationFailed = errors.New("settings saved but cached results were not invalidated")
)

// Ledger records cooperative transactions and serves the derived figures
// built on them: SHU/THR amounts, distributions and loan allocations.
type Ledger struct {
	storage    store.Storage
	calculator *calculator.Calculator
	allocator  *allocator.Allocator
	cache      *cache.Cache
	bus        *events.Bus
	watcher    *events.Watcher
	now        func() time.Time

	// mu orders calculations against settings changes within the process.
	mu sync.RWMutex
}

// NewLedger wires a Ledger over s, caching derived results in kv.
func NewLedger(s store.Storage, kv cache.KV) *Ledger {
	c := cache.New(kv)
	bus := events.NewBus()
	return &Ledger{
		storage:    s,
		calculator: calculator.NewCalculator(s),
		allocator:  allocator.NewAllocator(s),
		cache:      c,
		bus:        bus,
		watcher:    events.NewWatcher(c, bus),
		now:        time.Now,
	}
}

// WithClock replaces the time source everywhere below the ledger.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	l.calculator.WithClock(now)
	l.cache.WithClock(now)
	return l
}

func (l *Ledger) Bus() *events.Bus {
	return l.bus
}

func (l *Ledger) Watcher() *events.Watcher {
	return l.watcher
}

// RecordTransaction validates and stores tx, drops the member's cached
// results and announces calculations_refreshed for that member.
func (l *Ledger) RecordTransaction(ctx context.Context, tx *models.Transaction) error {
	if err := validate(tx); err != nil {
		return err
	}
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.Date.IsZero() {
		tx.Date = l.now()
	}
	if tx.Status == "" {
		tx.Status = models.StatusSuccess
	}

	// Held so an in-flight Calculate cannot store a result from the old ledger.
	l.mu.Lock()
	if err := l.storage.CreateTransaction(ctx, tx); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("failed to store transaction: %w", err)
	}
	l.cache.Forget(ctx, tx.MemberID)
	l.mu.Unlock()

	l.bus.Publish(models.Event{
		Type:      models.EventCalculationsRefreshed,
		Origin:    models.OriginLocal,
		MemberID:  tx.MemberID,
		Timestamp: l.now(),
	})
	return nil
}

func validate(tx *models.Transaction) error {
	if strings.TrimSpace(tx.MemberID) == "" {
		return fmt.Errorf("%w: member id is required", ErrInvalidRequest)
	}
	switch tx.Kind {
	case models.KindDeposit:
		if tx.Amount.IsZero() {
			return fmt.Errorf("%w: deposit amount must not be zero", ErrInvalidRequest)
		}
	case models.KindWithdrawal:
		if tx.Amount.IsZero() {
			return fmt.Errorf("%w: withdrawal amount must not be zero", ErrInvalidRequest)
		}
	case models.KindLoan, models.KindInstallment:
		if !tx.Amount.IsPositive() {
			return fmt.Errorf("%w: %s amount must be positive", ErrInvalidRequest, tx.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, tx.Kind)
	}
	switch tx.Status {
	case "", models.StatusSuccess, models.StatusPending, models.StatusFailed:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, tx.Status)
	}
	return nil
}

// Transactions returns the ledger rows of memberID.
func (l *Ledger) Transactions(ctx context.Context, memberID string) ([]*models.Transaction, error) {
	return l.storage.GetTransactionsForMember(ctx, memberID)
}

func (l *Ledger) loan(ctx context.Context, loanID uuid.UUID) (*models.Transaction, error) {
	tx, err := l.storage.GetTransaction(ctx, loanID)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			return nil, ErrLoanNotFound
		}
		return nil, err
	}
	if tx.Kind != models.KindLoan {
		return nil, ErrLoanNotFound
	}
	if !tx.Settled() {
		return nil, ErrLoanInactive
	}
	return tx, nil
}

// Allocate previews how amount would be split if paid on loanID now.
func (l *Ledger) Allocate(ctx context.Context, loanID uuid.UUID, amount decimal.Decimal) (*models.AllocationResult, error) {
	loan, err := l.loan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	return l.allocator.Allocate(ctx, loan, amount, loan.MemberID)
}

// RemainingPrincipal replays the installments of loanID.
func (l *Ledger) RemainingPrincipal(ctx context.Context, loanID uuid.UUID) (decimal.Decimal, error) {
	loan, err := l.loan(ctx, loanID)
	if err != nil {
		return decimal.Zero, err
	}
	return l.allocator.RemainingPrincipal(ctx, loan, loan.MemberID)
}

// Schedule lists the allocation of every recorded installment of loanID.
func (l *Ledger) Schedule(ctx context.Context, loanID uuid.UUID) ([]models.AllocationResult, error) {
	loan, err := l.loan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	return l.allocator.Schedule(ctx, loan, loan.MemberID)
}

// RecordInstallment books a payment against loanID and returns how it was
// allocated.
func (l *Ledger) RecordInstallment(ctx context.Context, loanID uuid.UUID, amount decimal.Decimal, note string) (*models.Transaction, *models.AllocationResult, error) {
	loan, err := l.loan(ctx, loanID)
	if err != nil {
		return nil, nil, err
	}
	alloc, err := l.allocator.Allocate(ctx, loan, amount, loan.MemberID)
	if err != nil {
		return nil, nil, err
	}
	if alloc.OutstandingBalanceBefore.IsZero() {
		return nil, nil, ErrLoanSettled
	}

	id := loan.ID
	tx := &models.Transaction{
		MemberID: loan.MemberID,
		Kind:     models.KindInstallment,
		Category: "angsuran",
		Amount:   amount,
		Date:     l.now(),
		Note:     note,
		Status:   models.StatusSuccess,
		LoanID:   &id,
	}
	if err := l.RecordTransaction(ctx, tx); err != nil {
		return nil, nil, err
	}
	alloc.InstallmentID = &tx.ID
	return tx, alloc, nil
}

// Variables returns the formula variables of memberID.
func (l *Ledger) Variables(ctx context.Context, memberID string) (map[string]float64, error) {
	return l.calculator.Variables(ctx, memberID)
}

// Calculate returns the cached amount for memberID, recomputing when the
// entry is missing or predates the latest formula change.
func (l *Ledger) Calculate(ctx context.Context, memberID string, kind calculator.Kind) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ck := cache.Kind(kind)
	if entry, ok := l.cache.Lookup(ctx, ck, memberID); ok {
		return entry.Value
	}

	// Read the generation before computing so a change that lands while
	// computing leaves this entry stale.
	gen, genErr := l.cache.Generation(ctx)
	value := l.calculator.Calculate(ctx, memberID, kind)
	if genErr != nil {
		log.Printf("ledger: not caching %s for member %s: %v", kind, memberID, genErr)
		return value
	}
	l.cache.Store(ctx, ck, memberID, value, gen)
	return value
}

func (l *Ledger) SHU(ctx context.Context, memberID string) decimal.Decimal {
	return l.Calculate(ctx, memberID, calculator.KindSHU)
}

func (l *Ledger) THR(ctx context.Context, memberID string) decimal.Decimal {
	return l.Calculate(ctx, memberID, calculator.KindTHR)
}

// PreviewFormula evaluates expr for memberID and reports evaluator errors.
func (l *Ledger) PreviewFormula(ctx context.Context, memberID, expr string) (decimal.Decimal, error) {
	return l.calculator.Preview(ctx, memberID, expr)
}

// Distribution splits total across the configured buckets.
func (l *Ledger) Distribution(ctx context.Context, total decimal.Decimal) map[string]decimal.Decimal {
	return l.calculator.Distribution(ctx, total)
}

func (l *Ledger) Settings(ctx context.Context) (*models.Settings, error) {
	return l.storage.GetSettings(ctx)
}

// SaveSettings persists updated. When anything a cached result depends on
// changed, every cached entry is invalidated and formula_changed followed by
// calculations_refreshed is published, so each view recomputes its own value.
func (l *Ledger) SaveSettings(ctx context.Context, updated *models.Settings) error {
	l.mu.Lock()

	prev, err := l.storage.GetSettings(ctx)
	if err != nil {
		log.Printf("ledger: failed to read previous settings, assuming formulas changed: %v", err)
		prev = nil
	}
	updated.UpdatedAt = l.now().UTC()
	if err := l.storage.SaveSettings(ctx, updated); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("failed to save settings: %w", err)
	}
	if prev != nil && !affectsResults(&prev.Financial, &updated.Financial) {
		l.mu.Unlock()
		return nil
	}

	gen, err := l.cache.Invalidate(ctx)
	if err != nil {
		l.mu.Unlock()
		log.Printf("ledger: cache invalidation failed, no change announced: %v", err)
		return fmt.Errorf("%w: %v", ErrInvalidationFailed, err)
	}
	l.watcher.Acknowledge(gen)
	l.mu.Unlock()

	// Handlers call back into Calculate, so publish without holding mu.
	at := l.now()
	changed := changedFormula(prev, updated)
	l.bus.Publish(models.Event{Type: models.EventFormulaChanged, Origin: models.OriginLocal, Formula: changed, Generation: gen, Timestamp: at})
	l.bus.Publish(models.Event{Type: models.EventCalculationsRefreshed, Origin: models.OriginLocal, Formula: changed, Generation: gen, Timestamp: at})
	return nil
}

// ResetCache drops every cached result.
func (l *Ledger) ResetCache(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cache.Reset(ctx)
}

// changedFormula names the formula an announcement is about: the THR formula
// when only it changed, the SHU formula otherwise.
func changedFormula(prev, next *models.Settings) string {
	if prev != nil && prev.Financial.SHUFormula == next.Financial.SHUFormula && prev.Financial.THRFormula != next.Financial.THRFormula {
		return next.Financial.THRFormula
	}
	return next.Financial.SHUFormula
}

func affectsResults(prev, next *models.FinancialSettings) bool {
	if prev.SHUFormula != next.SHUFormula || prev.THRFormula != next.THRFormula {
		return true
	}
	if !prev.MinResult.Equal(next.MinResult) || !prev.MaxResult.Equal(next.MaxResult) {
		return true
	}
	if len(prev.CustomVariables) != len(next.CustomVariables) {
		return true
	}
	for i := range prev.CustomVariables {
		if prev.CustomVariables[i] != next.CustomVariables[i] {
			return true
		}
	}
	return false
}
