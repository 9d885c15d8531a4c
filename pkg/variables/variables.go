// Package variables derives the named financial figures of one member that
// SHU and THR formulas are written against.
package variables

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/koperasi/shuengine/pkg/models"
	"github.com/koperasi/shuengine/pkg/store"
	"github.com/shopspring/decimal"
)

// Variable names available to formulas.
const (
	TotalSavings      = "total_simpanan"
	DiscretionarySave = "simpanan_khusus"
	MandatorySave     = "simpanan_wajib"
	InitialSave       = "simpanan_pokok"
	TotalLoan         = "total_pinjaman"
	ServiceCharge     = "jasa"
	Income            = "pendapatan"
	MembershipYears   = "lama_keanggotaan"
	TotalTransacted   = "total_transaksi"
	TotalInstallments = "total_angsuran"
)

// Savings views. They overlap on purpose and sum to 120% of the total;
// existing formulas are tuned around these ratios.
var (
	discretionaryShare = decimal.NewFromFloat(0.4)
	mandatoryShare     = decimal.NewFromFloat(0.6)
	initialShare       = decimal.NewFromFloat(0.2)

	fallbackServiceRate = decimal.NewFromFloat(0.15)
	incomeShare         = decimal.NewFromFloat(0.2)
	hundred             = decimal.NewFromInt(100)
)

var (
	noteRatePattern  = regexp.MustCompile(`(?i)bunga\s*:?\s*(\d+(?:[.,]\d+)?)\s*%`)
	noteTenorPattern = regexp.MustCompile(`(?i)tenor\s*:?\s*(\d+)`)
)

// Resolver computes variable sets from the ledger. It keeps no state
// between calls.
type Resolver struct {
	source store.LedgerReader
	now    func() time.Time
}

func NewResolver(source store.LedgerReader) *Resolver {
	return &Resolver{source: source, now: time.Now}
}

// WithClock replaces the time source used for membership tenure.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Resolve returns the variable set for memberID.
func (r *Resolver) Resolve(ctx context.Context, memberID string) (map[string]float64, error) {
	txs, err := r.source.GetAllTransactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	settings, err := r.source.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	return Compute(txs, settings, memberID, r.now()), nil
}

// Compute derives the variable set of memberID from txs. Custom variables
// from settings are merged last and win over built-ins with the same name.
func Compute(txs []*models.Transaction, settings *models.Settings, memberID string, now time.Time) map[string]float64 {
	deposits := decimal.Zero
	withdrawals := decimal.Zero
	loans := decimal.Zero
	service := decimal.Zero
	installments := decimal.Zero
	count := 0
	var earliest time.Time

	for _, tx := range txs {
		if tx.MemberID != memberID || !tx.Settled() {
			continue
		}
		count++
		if earliest.IsZero() || tx.Date.Before(earliest) {
			earliest = tx.Date
		}

		switch tx.Kind {
		case models.KindDeposit:
			if tx.Amount.IsNegative() {
				withdrawals = withdrawals.Add(tx.Amount.Abs())
			} else {
				deposits = deposits.Add(tx.Amount)
			}
		case models.KindWithdrawal:
			withdrawals = withdrawals.Add(tx.Amount.Abs())
		case models.KindLoan:
			loans = loans.Add(tx.Amount)
			service = service.Add(EstimateServiceCharge(tx))
		case models.KindInstallment:
			installments = installments.Add(tx.Amount)
		}
	}

	savings := deposits.Sub(withdrawals)
	if savings.IsNegative() {
		savings = decimal.Zero
	}

	vars := map[string]float64{
		TotalSavings:      savings.InexactFloat64(),
		DiscretionarySave: savings.Mul(discretionaryShare).InexactFloat64(),
		MandatorySave:     savings.Mul(mandatoryShare).InexactFloat64(),
		InitialSave:       savings.Mul(initialShare).InexactFloat64(),
		TotalLoan:         loans.InexactFloat64(),
		ServiceCharge:     service.InexactFloat64(),
		Income:            service.Mul(incomeShare).InexactFloat64(),
		MembershipYears:   float64(membershipYears(earliest, now)),
		TotalTransacted:   float64(count),
		TotalInstallments: installments.InexactFloat64(),
	}

	if settings != nil {
		for _, cv := range settings.Financial.CustomVariables {
			if cv.ID == "" {
				continue
			}
			vars[cv.ID] = cv.Value
		}
	}
	return vars
}

// EstimateServiceCharge estimates the interest a loan yields. A note such as
// "bunga 1.5% tenor 12" gives principal x rate x tenor at a flat rate;
// otherwise 15% of the principal is assumed.
func EstimateServiceCharge(loan *models.Transaction) decimal.Decimal {
	rate, tenor, ok := parseRateAndTenor(loan.Note)
	if !ok {
		return loan.Amount.Mul(fallbackServiceRate)
	}
	return loan.Amount.Mul(rate).Div(hundred).Mul(decimal.NewFromInt(tenor))
}

func parseRateAndTenor(note string) (decimal.Decimal, int64, bool) {
	rm := noteRatePattern.FindStringSubmatch(note)
	tm := noteTenorPattern.FindStringSubmatch(note)
	if rm == nil || tm == nil {
		return decimal.Zero, 0, false
	}
	rate, err := decimal.NewFromString(strings.ReplaceAll(rm[1], ",", "."))
	if err != nil {
		return decimal.Zero, 0, false
	}
	tenor, err := decimal.NewFromString(tm[1])
	if err != nil || !tenor.IsPositive() {
		return decimal.Zero, 0, false
	}
	return rate, tenor.IntPart(), true
}

// membershipYears counts whole years since the first transaction, at least one.
func membershipYears(since, now time.Time) int {
	if since.IsZero() || !now.After(since) {
		return 1
	}
	years := now.Year() - since.Year()
	if since.AddDate(years, 0, 0).After(now) {
		years--
	}
	if years < 1 {
		return 1
	}
	return years
}
