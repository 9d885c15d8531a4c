package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/koperasi/shuengine/pkg/allocator"
	"github.com/koperasi/shuengine/pkg/cache"
	"github.com/koperasi/shuengine/pkg/calculator"
	"github.com/koperasi/shuengine/pkg/config"
	"github.com/koperasi/shuengine/pkg/ledger"
	"github.com/koperasi/shuengine/pkg/models"
	"github.com/koperasi/shuengine/pkg/store"
	"github.com/shopspring/decimal"
)

// Server holds the ledger instance.
type Server struct {
	ledger  *ledger.Ledger
	storage store.Storage // Keep a reference to the storage to close it
}

func NewServer(s store.Storage, kv cache.KV) *Server {
	return &Server{
		ledger:  ledger.NewLedger(s, kv),
		storage: s,
	}
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/transactions", s.createTransactionHandler).Methods("POST")
	router.HandleFunc("/members/{id}/transactions", s.listMemberTransactionsHandler).Methods("GET")
	router.HandleFunc("/members/{id}/variables", s.variablesHandler).Methods("GET")
	router.HandleFunc("/members/{id}/shu", s.amountHandler(calculator.KindSHU)).Methods("GET")
	router.HandleFunc("/members/{id}/thr", s.amountHandler(calculator.KindTHR)).Methods("GET")
	router.HandleFunc("/distribution", s.distributionHandler).Methods("POST")
	router.HandleFunc("/settings", s.getSettingsHandler).Methods("GET")
	router.HandleFunc("/settings", s.saveSettingsHandler).Methods("PUT")
	router.HandleFunc("/formula/preview", s.previewFormulaHandler).Methods("POST")
	router.HandleFunc("/cache", s.resetCacheHandler).Methods("DELETE")
	router.HandleFunc("/loans/{id}/remaining", s.remainingHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/schedule", s.scheduleHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/allocate", s.allocateHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/installments", s.recordInstallmentHandler).Methods("POST")

	return router
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps ledger errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrLoanNotFound):
		http.Error(w, "Loan not found", http.StatusNotFound)
	case errors.Is(err, ledger.ErrInvalidRequest), errors.Is(err, allocator.ErrInvalidAmount):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrLoanSettled), errors.Is(err, ledger.ErrLoanInactive):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// maxBodyBytes caps request bodies; formulas themselves are far smaller.
const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func loanIDFrom(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(mux.Vars(r)["id"])
}

func (s *Server) createTransactionHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MemberID string                   `json:"member_id"`
		Kind     models.TransactionKind   `json:"kind"`
		Category string                   `json:"category"`
		Amount   decimal.Decimal          `json:"amount"`
		Date     time.Time                `json:"date"`
		Note     string                   `json:"note"`
		Status   models.TransactionStatus `json:"status"`
		LoanID   *uuid.UUID               `json:"loan_id"`
	}

	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	tx := &models.Transaction{
		MemberID: req.MemberID,
		Kind:     req.Kind,
		Category: req.Category,
		Amount:   req.Amount,
		Date:     req.Date,
		Note:     req.Note,
		Status:   req.Status,
		LoanID:   req.LoanID,
	}
	if err := s.ledger.RecordTransaction(r.Context(), tx); err != nil {
		log.Printf("Error recording transaction: %v\n", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) listMemberTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	txs, err := s.ledger.Transactions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if txs == nil {
		txs = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) variablesHandler(w http.ResponseWriter, r *http.Request) {
	vars, err := s.ledger.Variables(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vars)
}

func (s *Server) amountHandler(kind calculator.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		memberID := mux.Vars(r)["id"]
		amount := s.ledger.Calculate(r.Context(), memberID, kind)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"member_id": memberID,
			"kind":      kind,
			"amount":    amount,
		})
	}
}

func (s *Server) distributionHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Total decimal.Decimal `json:"total"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.ledger.Distribution(r.Context(), req.Total))
}

func (s *Server) getSettingsHandler(w http.ResponseWriter, r *http.Request) {
	settings, err := s.ledger.Settings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) saveSettingsHandler(w http.ResponseWriter, r *http.Request) {
	var settings models.Settings
	if err := decodeJSON(w, r, &settings); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if settings.Financial.DistributionPercentages == nil {
		settings.Financial.DistributionPercentages = models.DefaultDistribution()
	}

	if err := s.ledger.SaveSettings(r.Context(), &settings); err != nil {
		log.Printf("Error saving settings: %v\n", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) previewFormulaHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MemberID string `json:"member_id"`
		Formula  string `json:"formula"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	amount, err := s.ledger.PreviewFormula(r.Context(), req.MemberID, req.Formula)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"amount": amount})
}

func (s *Server) resetCacheHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.ResetCache(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) remainingHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := loanIDFrom(r)
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}

	remaining, err := s.ledger.RemainingPrincipal(r.Context(), loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"loan_id": loanID, "remaining_principal": remaining})
}

func (s *Server) scheduleHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := loanIDFrom(r)
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}

	schedule, err := s.ledger.Schedule(r.Context(), loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) allocateHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := loanIDFrom(r)
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}

	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.ledger.Allocate(r.Context(), loanID, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) recordInstallmentHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := loanIDFrom(r)
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}

	var req struct {
		Amount decimal.Decimal `json:"amount"`
		Note   string          `json:"note"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.Amount.LessThanOrEqual(decimal.Zero) {
		http.Error(w, "Amount must be positive", http.StatusBadRequest)
		return
	}

	tx, alloc, err := s.ledger.RecordInstallment(r.Context(), loanID, req.Amount, req.Note)
	if err != nil {
		log.Printf("Error recording installment: %v\n", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"transaction": tx, "allocation": alloc})
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	sqliteStore, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize SQLite store: %v", err)
	}
	defer sqliteStore.Close()

	kv, err := store.NewGormKV(cfg.CacheDBPath)
	if err != nil {
		log.Fatalf("Failed to initialize cache store: %v", err)
	}
	defer kv.Close()

	server := NewServer(sqliteStore, kv)

	// Other processes sharing the cache file announce formula changes only
	// through storage; poll it so open views here re-derive too.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.ledger.Watcher().Run(ctx, cfg.PollInterval)

	server.ledger.Bus().Subscribe(func(ev models.Event) {
		log.Printf("Event %s (origin %s, generation %d)", ev.Type, ev.Origin, ev.Generation)
	})

	log.Printf("Server starting on %s", cfg.Addr)
	log.Fatal(http.ListenAndServe(cfg.Addr, server.routes()))
}
