package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionKind string

const (
	KindDeposit     TransactionKind = "deposit"
	KindLoan        TransactionKind = "loan"
	KindInstallment TransactionKind = "installment"
	KindWithdrawal  TransactionKind = "withdrawal"
)

type TransactionStatus string

const (
	StatusSuccess TransactionStatus = "success"
	StatusPending TransactionStatus = "pending"
	StatusFailed  TransactionStatus = "failed"
)

// Transaction is one ledger row. Deposits are positive; a withdrawal booked
// as a deposit carries a negative amount.
type Transaction struct {
	ID       uuid.UUID         `json:"id"`
	MemberID string            `json:"member_id"`
	Kind     TransactionKind   `json:"kind"`
	Category string            `json:"category"` // e.g. "pokok", "wajib", "khusus"
	Amount   decimal.Decimal   `json:"amount"`
	Date     time.Time         `json:"date"`
	Note     string            `json:"note"`
	Status   TransactionStatus `json:"status"`
	LoanID   *uuid.UUID        `json:"loan_id,omitempty"` // installments only
}

// Settled reports whether the transaction takes part in derived calculations.
func (t *Transaction) Settled() bool {
	return t.Status == StatusSuccess
}

type CustomVariable struct {
	ID    string  `json:"id"`
	Value float64 `json:"value"`
}

type FinancialSettings struct {
	InterestRatePercent     decimal.Decimal            `json:"interest_rate_percent"` // per period, on outstanding balance
	SHUFormula              string                     `json:"shu_formula"`
	THRFormula              string                     `json:"thr_formula"`
	MinResult               decimal.Decimal            `json:"min_result"`
	MaxResult               decimal.Decimal            `json:"max_result"`
	DistributionPercentages map[string]decimal.Decimal `json:"distribution_percentages"`
	CustomVariables         []CustomVariable           `json:"custom_variables"`
}

type Settings struct {
	Financial FinancialSettings `json:"financial"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// DefaultDistribution is the cooperative's standard SHU split, in percent.
func DefaultDistribution() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"rekening_penyimpan":      decimal.NewFromInt(25),
		"rekening_berjasa":        decimal.NewFromInt(25),
		"pengurus":                decimal.NewFromInt(10),
		"dana_karyawan":           decimal.NewFromInt(5),
		"dana_pendidikan":         decimal.NewFromInt(10),
		"dana_pembangunan_daerah": decimal.NewFromFloat(2.5),
		"dana_sosial":             decimal.NewFromFloat(2.5),
		"cadangan":                decimal.NewFromInt(20),
	}
}

func DefaultSettings() Settings {
	return Settings{
		Financial: FinancialSettings{
			InterestRatePercent:     decimal.NewFromFloat(1.5),
			SHUFormula:              "simpanan_khusus * 0.03 + simpanan_wajib * 0.05 + jasa * 0.1",
			THRFormula:              "simpanan_wajib * 0.02 + lama_keanggotaan * 10000",
			MinResult:               decimal.Zero,
			MaxResult:               decimal.NewFromInt(1_000_000_000),
			DistributionPercentages: DefaultDistribution(),
			CustomVariables:         []CustomVariable{},
		},
	}
}

// AllocationResult splits a single installment into principal and interest.
type AllocationResult struct {
	InstallmentID            *uuid.UUID      `json:"installment_id,omitempty"`
	Amount                   decimal.Decimal `json:"amount"`
	PrincipalPortion         decimal.Decimal `json:"principal_portion"`
	InterestPortion          decimal.Decimal `json:"interest_portion"`
	InterestRatePercent      decimal.Decimal `json:"interest_rate_percent"`
	OutstandingBalanceBefore decimal.Decimal `json:"outstanding_balance_before"`
	OutstandingBalanceAfter  decimal.Decimal `json:"outstanding_balance_after"`
}

type EventType string

const (
	EventFormulaChanged        EventType = "formula_changed"
	EventCalculationsRefreshed EventType = "calculations_refreshed"
)

// Event origins: published by this process, or noticed in shared storage.
const (
	OriginLocal   = "local"
	OriginStorage = "storage"
)

type Event struct {
	Type       EventType `json:"type"`
	Origin     string    `json:"origin"`
	Formula    string    `json:"formula,omitempty"`
	MemberID   string    `json:"member_id,omitempty"` // set when only one member's results changed
	Generation int64     `json:"generation"`
	Timestamp  time.Time `json:"timestamp"`
}
