package allocator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/koperasi/shuengine/pkg/models"
	"github.com/koperasi/shuengine/pkg/store"
	"github.com/shopspring/decimal"
)

var (
	ErrNotALoan      = errors.New("transaction is not a loan")
	ErrInvalidAmount = errors.New("installment amount must be positive")
)

var hundred = decimal.NewFromInt(100)

// legacyLinkPattern matches the loan reference older installments carry in
// their note, e.g. "Angsuran Pinjaman: <id>" or "bayar pinjaman #<id>".
var legacyLinkPattern = regexp.MustCompile(`(?i)pinjaman\s*(?::|#)\s*([0-9a-zA-Z-]+)`)

// Allocator splits installments into principal and interest using interest
// on the declining outstanding balance.
type Allocator struct {
	source store.LedgerReader
}

func NewAllocator(s store.LedgerReader) *Allocator {
	return &Allocator{source: s}
}

// Step applies one installment to balance. Interest is charged on the
// balance before payment and rounded to a whole unit; a payment smaller than
// the interest goes entirely to interest and leaves the balance unchanged.
func Step(balance, amount, ratePercent decimal.Decimal) models.AllocationResult {
	interest := balance.Mul(ratePercent).Div(hundred).Round(0)

	principal := amount.Sub(interest)
	if principal.IsNegative() {
		principal = decimal.Zero
	}

	after := balance.Sub(principal)
	if after.IsNegative() {
		after = decimal.Zero
	}

	return models.AllocationResult{
		Amount:                   amount,
		PrincipalPortion:         principal,
		InterestPortion:          amount.Sub(principal),
		InterestRatePercent:      ratePercent,
		OutstandingBalanceBefore: balance,
		OutstandingBalanceAfter:  after,
	}
}

// LinkedTo reports whether installment pays off loan. The explicit LoanID
// wins; rows without one fall back to the loan reference in the note.
func LinkedTo(installment, loan *models.Transaction) bool {
	if installment.LoanID != nil {
		return *installment.LoanID == loan.ID
	}
	m := legacyLinkPattern.FindStringSubmatch(installment.Note)
	if m == nil {
		return false
	}
	return strings.EqualFold(m[1], loan.ID.String())
}

// Schedule replays the settled installments of memberID linked to loan in
// date order, starting from the loan principal.
func (a *Allocator) Schedule(ctx context.Context, loan *models.Transaction, memberID string) ([]models.AllocationResult, error) {
	if loan == nil || loan.Kind != models.KindLoan {
		return nil, ErrNotALoan
	}
	rate, txs, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	results, _ := replay(loan, linkedInstallments(txs, loan, memberID), rate)
	return results, nil
}

// RemainingPrincipal returns the outstanding balance after all recorded
// installments.
func (a *Allocator) RemainingPrincipal(ctx context.Context, loan *models.Transaction, memberID string) (decimal.Decimal, error) {
	if loan == nil || loan.Kind != models.KindLoan {
		return decimal.Zero, ErrNotALoan
	}
	rate, txs, err := a.load(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	_, balance := replay(loan, linkedInstallments(txs, loan, memberID), rate)
	return balance, nil
}

// Allocate splits a new installment of amount against the balance left by
// the recorded history of loan.
func (a *Allocator) Allocate(ctx context.Context, loan *models.Transaction, amount decimal.Decimal, memberID string) (*models.AllocationResult, error) {
	if loan == nil || loan.Kind != models.KindLoan {
		return nil, ErrNotALoan
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	rate, txs, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	_, balance := replay(loan, linkedInstallments(txs, loan, memberID), rate)
	result := Step(balance, amount, rate)
	return &result, nil
}

// load reads the ledger and the current rate. The rate is never memoized,
// so a changed setting applies to the whole replay.
func (a *Allocator) load(ctx context.Context) (decimal.Decimal, []*models.Transaction, error) {
	settings, err := a.source.GetSettings(ctx)
	if err != nil {
		return decimal.Zero, nil, fmt.Errorf("failed to read settings: %w", err)
	}
	rate := models.DefaultSettings().Financial.InterestRatePercent
	if settings != nil {
		rate = settings.Financial.InterestRatePercent
	}
	txs, err := a.source.GetAllTransactions(ctx)
	if err != nil {
		return decimal.Zero, nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	return rate, txs, nil
}

func linkedInstallments(txs []*models.Transaction, loan *models.Transaction, memberID string) []*models.Transaction {
	var linked []*models.Transaction
	for _, tx := range txs {
		if tx.Kind != models.KindInstallment || !tx.Settled() || tx.MemberID != memberID {
			continue
		}
		if LinkedTo(tx, loan) {
			linked = append(linked, tx)
		}
	}
	sort.SliceStable(linked, func(i, j int) bool {
		if !linked[i].Date.Equal(linked[j].Date) {
			return linked[i].Date.Before(linked[j].Date)
		}
		return linked[i].ID.String() < linked[j].ID.String()
	})
	return linked
}

func replay(loan *models.Transaction, installments []*models.Transaction, rate decimal.Decimal) ([]models.AllocationResult, decimal.Decimal) {
	balance := loan.Amount
	results := make([]models.AllocationResult, 0, len(installments))
	for _, inst := range installments {
		r := Step(balance, inst.Amount, rate)
		id := inst.ID
		r.InstallmentID = &id
		results = append(results, r)
		balance = r.OutstandingBalanceAfter
	}
	return results, balance
}
