package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/koperasi/shuengine/pkg/models"

	_ "github.com/mattn/go-sqlite3"
)

var ErrTransactionNotFound = errors.New("transaction not found")

// SQLiteStore keeps the transaction ledger and the settings singleton.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dataSourceName and initializes the schema.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL;")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	log.Println("Ledger database ready.")
	return s, nil
}

// initSchema creates the tables and adds columns missing from older files.
// Amounts are TEXT so no precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		date DATETIME NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_member ON transactions(member_id);
	CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		body TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Installments recorded before loan_id existed only reference their loan
	// in the note.
	columns := []string{
		"loan_id TEXT",
	}
	for _, col := range columns {
		_, err := s.db.Exec(fmt.Sprintf("ALTER TABLE transactions ADD COLUMN %s", col))
		if err != nil && !isDuplicateColumnError(err) {
			return fmt.Errorf("failed to add column %s: %w", col, err)
		}
	}
	return nil
}

func isDuplicateColumnError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "duplicate column name")
}

const transactionColumns = `id, member_id, kind, category, amount, date, note, status, loan_id`

// CreateTransaction inserts tx, assigning an id when it has none.
func (s *SQLiteStore) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	var loanID sql.NullString
	if tx.LoanID != nil {
		loanID = sql.NullString{String: tx.LoanID.String(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (`+transactionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID.String(), tx.MemberID, tx.Kind, tx.Category, tx.Amount, tx.Date.UTC(), tx.Note, tx.Status, loanID,
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetTransaction retrieves a transaction by its ID.
func (s *SQLiteStore) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id.String())
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

// GetAllTransactions returns the whole ledger in date order.
func (s *SQLiteStore) GetAllTransactions(ctx context.Context) ([]*models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions ORDER BY date ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get all transactions: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// GetTransactionsForMember returns the ledger rows of one member in date order.
func (s *SQLiteStore) GetTransactionsForMember(ctx context.Context, memberID string) ([]*models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE member_id = ? ORDER BY date ASC, id ASC`, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions for member %s: %w", memberID, err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var tx models.Transaction
	var idStr string
	var loanID sql.NullString
	var date time.Time
	if err := row.Scan(&idStr, &tx.MemberID, &tx.Kind, &tx.Category, &tx.Amount, &date, &tx.Note, &tx.Status, &loanID); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt transaction id %q: %w", idStr, err)
	}
	tx.ID = id
	tx.Date = date.UTC()
	if loanID.Valid && loanID.String != "" {
		lid, err := uuid.Parse(loanID.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt loan id %q on transaction %s: %w", loanID.String, idStr, err)
		}
		tx.LoanID = &lid
	}
	return &tx, nil
}

func scanTransactions(rows *sql.Rows) ([]*models.Transaction, error) {
	var txs []*models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return txs, nil
}

// GetSettings returns the stored settings, or the defaults when none were saved.
func (s *SQLiteStore) GetSettings(ctx context.Context) (*models.Settings, error) {
	var body string
	var updated time.Time
	err := s.db.QueryRowContext(ctx, `SELECT body, updated_at FROM settings WHERE id = 1`).Scan(&body, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		d := models.DefaultSettings()
		return &d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}

	var settings models.Settings
	if err := json.Unmarshal([]byte(body), &settings); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	settings.UpdatedAt = updated.UTC()
	return &settings, nil
}

// SaveSettings replaces the settings singleton as a whole.
func (s *SQLiteStore) SaveSettings(ctx context.Context, settings *models.Settings) error {
	if settings.UpdatedAt.IsZero() {
		settings.UpdatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings (id, body, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		string(body), settings.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
