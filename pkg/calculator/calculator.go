// Package calculator turns a member's variables and the configured formula
// into SHU and THR amounts, and splits SHU totals into distribution buckets.
package calculator

import (
	"context"
	"log"
	"time"

	"github.com/koperasi/shuengine/pkg/formula"
	"github.com/koperasi/shuengine/pkg/models"
	"github.com/koperasi/shuengine/pkg/store"
	"github.com/koperasi/shuengine/pkg/variables"
	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindSHU Kind = "shu"
	KindTHR Kind = "thr"
)

var (
	fallbackRate = decimal.NewFromFloat(0.05)
	hundred      = decimal.NewFromInt(100)
)

// Calculator never fails: formula problems fall back to an estimate of 5%
// of total savings and are only logged.
type Calculator struct {
	source store.LedgerReader
	now    func() time.Time
}

func NewCalculator(source store.LedgerReader) *Calculator {
	return &Calculator{source: source, now: time.Now}
}

// WithClock replaces the time source used for membership tenure.
func (c *Calculator) WithClock(now func() time.Time) *Calculator {
	c.now = now
	return c
}

// Calculate computes the kind amount for memberID, clamped to the configured
// bounds and rounded to a whole unit.
func (c *Calculator) Calculate(ctx context.Context, memberID string, kind Kind) decimal.Decimal {
	settings := c.settings(ctx)
	vars := c.variables(ctx, memberID, settings)

	expr := formulaFor(settings, kind)
	value, err := formula.Evaluate(expr, vars)
	if err != nil {
		log.Printf("calculator: %s formula %q failed for member %s: %v; using savings estimate", kind, expr, memberID, err)
		return Finalize(fallback(vars), settings.Financial)
	}
	return Finalize(decimal.NewFromFloat(value), settings.Financial)
}

func (c *Calculator) CalculateSHU(ctx context.Context, memberID string) decimal.Decimal {
	return c.Calculate(ctx, memberID, KindSHU)
}

func (c *Calculator) CalculateTHR(ctx context.Context, memberID string) decimal.Decimal {
	return c.Calculate(ctx, memberID, KindTHR)
}

// Preview evaluates a candidate formula for memberID without falling back,
// so the exact evaluator error reaches the caller.
func (c *Calculator) Preview(ctx context.Context, memberID, expr string) (decimal.Decimal, error) {
	settings := c.settings(ctx)
	vars, err := variables.NewResolver(c.source).WithClock(c.now).Resolve(ctx, memberID)
	if err != nil {
		return decimal.Zero, err
	}
	value, err := formula.Evaluate(expr, vars)
	if err != nil {
		return decimal.Zero, err
	}
	return Finalize(decimal.NewFromFloat(value), settings.Financial), nil
}

// Variables returns the variable set formulas see for memberID.
func (c *Calculator) Variables(ctx context.Context, memberID string) (map[string]float64, error) {
	return variables.NewResolver(c.source).WithClock(c.now).Resolve(ctx, memberID)
}

// Distribution splits total using the configured percentages.
func (c *Calculator) Distribution(ctx context.Context, total decimal.Decimal) map[string]decimal.Decimal {
	return CalculateDistribution(total, c.settings(ctx).Financial.DistributionPercentages)
}

// CalculateDistribution gives each bucket total x percent / 100. The
// percentages are not required to sum to 100.
func CalculateDistribution(total decimal.Decimal, percentages map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(percentages))
	for bucket, pct := range percentages {
		out[bucket] = total.Mul(pct).Div(hundred)
	}
	return out
}

// Finalize clamps v to [MinResult, MaxResult] and rounds half away from zero.
// A MaxResult below MinResult leaves the upper bound open.
func Finalize(v decimal.Decimal, fs models.FinancialSettings) decimal.Decimal {
	if v.LessThan(fs.MinResult) {
		v = fs.MinResult
	}
	if fs.MaxResult.GreaterThanOrEqual(fs.MinResult) && v.GreaterThan(fs.MaxResult) {
		v = fs.MaxResult
	}
	return v.Round(0)
}

func fallback(vars map[string]float64) decimal.Decimal {
	return decimal.NewFromFloat(vars[variables.TotalSavings]).Mul(fallbackRate)
}

func formulaFor(s *models.Settings, kind Kind) string {
	if kind == KindTHR {
		return s.Financial.THRFormula
	}
	return s.Financial.SHUFormula
}

func (c *Calculator) settings(ctx context.Context) *models.Settings {
	s, err := c.source.GetSettings(ctx)
	if err != nil || s == nil {
		if err != nil {
			log.Printf("calculator: failed to read settings, using defaults: %v", err)
		}
		d := models.DefaultSettings()
		return &d
	}
	return s
}

func (c *Calculator) variables(ctx context.Context, memberID string, settings *models.Settings) map[string]float64 {
	txs, err := c.source.GetAllTransactions(ctx)
	if err != nil {
		log.Printf("calculator: failed to read ledger for member %s: %v", memberID, err)
		txs = nil
	}
	return variables.Compute(txs, settings, memberID, c.now())
}
