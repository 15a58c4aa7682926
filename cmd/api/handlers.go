package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"escrowflow/auth"
	"escrowflow/pool"
	"escrowflow/transfer"
	"escrowflow/vault"
)

type ctxKey int

const ctxKeyActor ctxKey = iota

// PoolService is the slice of the pool service the handlers need.
type PoolService interface {
	Init(ctx context.Context, params pool.InitParams) (pool.Ledger, error)
	SetPaused(ctx context.Context, poolAddr, actor string, paused bool) error
	SweepFees(ctx context.Context, poolAddr, actor string) (uint64, error)
	Reset(ctx context.Context, poolAddr, actor string) error
	Close(ctx context.Context, poolAddr, actor string, withdrawalAmount uint64) error
}

// TransferService is the slice of the transfer service the handlers need.
type TransferService interface {
	Create(ctx context.Context, params transfer.CreateParams) (transfer.Record, error)
	Claim(ctx context.Context, poolAddr, transferAddr, actor string) (transfer.Record, error)
	Cancel(ctx context.Context, poolAddr, transferAddr, actor string) (transfer.Record, error)
	Decline(ctx context.Context, poolAddr, transferAddr, actor string, reason *uint8) (transfer.Record, error)
	Reject(ctx context.Context, poolAddr, transferAddr, actor string, reason *uint8) (transfer.Record, error)
	Expire(ctx context.Context, poolAddr, transferAddr string) (transfer.Record, error)
	Destroy(ctx context.Context, poolAddr, transferAddr, actor string) (transfer.Record, error)
}

// AuthService is the slice of the auth service the handlers need.
type AuthService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Account, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, error)
}

// LedgerReader reads pool ledgers outside any transaction.
type LedgerReader interface {
	Get(ctx context.Context, addr string) (pool.Ledger, error)
}

// RecordReader reads transfer records outside any transaction.
type RecordReader interface {
	Get(ctx context.Context, addr string) (transfer.Record, error)
}

// Server bundles the services behind the HTTP API.
type Server struct {
	authService     AuthService
	poolService     PoolService
	transferService TransferService
	ledgerReader    LedgerReader
	recordReader    RecordReader
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/pools", s.requireAuth(s.handlePools))
	mux.HandleFunc("/api/pools/", s.requireAuth(s.handlePoolDetail))
	mux.HandleFunc("/api/transfers", s.requireAuth(s.handleTransfers))
	mux.HandleFunc("/api/transfers/", s.requireAuth(s.handleTransferDetail))
	return mux
}

// requireAuth resolves the bearer token into the actor's ledger address.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		addr, err := s.authService.VerifyToken(token)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKeyActor, addr)))
	}
}

func actorFrom(ctx context.Context) string {
	addr, _ := ctx.Value(ctxKeyActor).(string)
	return addr
}

type accountResponse struct {
	Address     string `json:"address"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	CreatedAt   string `json:"createdAt"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	acct, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrWeakPassword):
			writeJSONError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeJSONError(w, http.StatusConflict, err.Error())
		default:
			writeJSONError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, accountResponse{
		Address:     acct.Address,
		Email:       acct.Email,
		DisplayName: acct.DisplayName,
		CreatedAt:   acct.CreatedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":   result.Token,
		"address": result.Account.Address,
	})
}

type ledgerResponse struct {
	Address        string `json:"address"`
	PoolID         string `json:"poolId"`
	Operator       string `json:"operator"`
	VaultAddress   string `json:"vaultAddress"`
	Asset          string `json:"asset"`
	Decimals       uint8  `json:"decimals"`
	FeeBps         uint16 `json:"feeBps"`
	TotalDeposited uint64 `json:"totalDeposited"`
	TotalWithdrawn uint64 `json:"totalWithdrawn"`
	TotalEscrowed  uint64 `json:"totalEscrowed"`
	CreatedCount   uint64 `json:"createdCount"`
	ResolvedCount  uint64 `json:"resolvedCount"`
	CollectedFees  uint64 `json:"collectedFees"`
	Paused         bool   `json:"paused"`
	CreatedAt      string `json:"createdAt"`
}

func toLedgerResponse(l pool.Ledger) ledgerResponse {
	return ledgerResponse{
		Address:        l.Address,
		PoolID:         l.PoolID,
		Operator:       l.Operator,
		VaultAddress:   l.VaultAddress,
		Asset:          l.Asset,
		Decimals:       l.Decimals,
		FeeBps:         l.FeeBps,
		TotalDeposited: l.TotalDeposited,
		TotalWithdrawn: l.TotalWithdrawn,
		TotalEscrowed:  l.TotalEscrowed,
		CreatedCount:   l.CreatedCount,
		ResolvedCount:  l.ResolvedCount,
		CollectedFees:  l.CollectedFees,
		Paused:         l.Paused,
		CreatedAt:      l.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		PoolID   string `json:"poolId"`
		Asset    string `json:"asset"`
		Decimals uint8  `json:"decimals"`
		FeeBps   uint16 `json:"feeBps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	l, err := s.poolService.Init(r.Context(), pool.InitParams{
		PoolID:   req.PoolID,
		Operator: actorFrom(r.Context()),
		Asset:    req.Asset,
		Decimals: req.Decimals,
		FeeBps:   req.FeeBps,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLedgerResponse(l))
}

// handlePoolDetail serves /api/pools/{address} and its actions:
// pause, sweep, reset under /api/pools/{address}/{action}.
func (s *Server) handlePoolDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/pools/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if parts[0] == "" {
		writeJSONError(w, http.StatusBadRequest, "pool address required")
		return
	}
	addr := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		l, err := s.ledgerReader.Get(r.Context(), addr)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toLedgerResponse(l))
	case len(parts) == 1 && r.Method == http.MethodDelete:
		var req struct {
			WithdrawalAmount uint64 `json:"withdrawalAmount"`
		}
		if r.Body != nil && r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json body")
				return
			}
		}
		if err := s.poolService.Close(r.Context(), addr, actorFrom(r.Context()), req.WithdrawalAmount); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 2 && r.Method == http.MethodPost:
		s.handlePoolAction(w, r, addr, parts[1])
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handlePoolAction(w http.ResponseWriter, r *http.Request, addr, action string) {
	actor := actorFrom(r.Context())
	switch action {
	case "pause":
		var req struct {
			Paused bool `json:"paused"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if err := s.poolService.SetPaused(r.Context(), addr, actor, req.Paused); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"pool": addr, "paused": req.Paused})
	case "sweep":
		amount, err := s.poolService.SweepFees(r.Context(), addr, actor)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"pool": addr, "amount": amount})
	case "reset":
		if err := s.poolService.Reset(r.Context(), addr, actor); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"pool": addr, "reset": true})
	default:
		writeJSONError(w, http.StatusNotFound, "unknown pool action")
	}
}

type transferResponse struct {
	Address        string  `json:"address"`
	Nonce          uint64  `json:"nonce"`
	Sender         string  `json:"sender"`
	Recipient      string  `json:"recipient"`
	Pool           string  `json:"pool"`
	Amount         uint64  `json:"amount"`
	Memo           string  `json:"memo,omitempty"`
	Status         string  `json:"status"`
	ClaimableAfter int64   `json:"claimableAfter,omitempty"`
	ClaimableUntil int64   `json:"claimableUntil,omitempty"`
	CreatedAt      string  `json:"createdAt"`
	ResolvedAt     *string `json:"resolvedAt,omitempty"`
}

func toTransferResponse(rec transfer.Record) transferResponse {
	resp := transferResponse{
		Address:        rec.Address,
		Nonce:          rec.Nonce,
		Sender:         rec.Sender,
		Recipient:      rec.Recipient,
		Pool:           rec.Pool,
		Amount:         rec.Amount,
		Memo:           rec.Memo,
		Status:         string(rec.Status),
		ClaimableAfter: rec.ClaimableAfter,
		ClaimableUntil: rec.ClaimableUntil,
		CreatedAt:      rec.CreatedAt.Format(time.RFC3339),
	}
	if rec.ResolvedAt != nil {
		ts := rec.ResolvedAt.Format(time.RFC3339)
		resp.ResolvedAt = &ts
	}
	return resp
}

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Pool            string          `json:"pool"`
		Recipient       string          `json:"recipient"`
		Nonce           uint64          `json:"nonce"`
		Amount          uint64          `json:"amount"`
		Memo            string          `json:"memo"`
		ClaimableAfter  int64           `json:"claimableAfter"`
		ClaimableUntil  int64           `json:"claimableUntil"`
		ConditionType   string          `json:"conditionType"`
		ConditionParams json.RawMessage `json:"conditionParams"`
		ComplianceHash  []byte          `json:"complianceHash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	var conditions *transfer.ReleaseConditions
	if req.ConditionType != "" {
		conditions = &transfer.ReleaseConditions{
			Type:   transfer.ConditionType(req.ConditionType),
			Params: req.ConditionParams,
		}
	}
	rec, err := s.transferService.Create(r.Context(), transfer.CreateParams{
		PoolAddress:    req.Pool,
		Sender:         actorFrom(r.Context()),
		Recipient:      req.Recipient,
		Nonce:          req.Nonce,
		Amount:         req.Amount,
		Memo:           req.Memo,
		ClaimableAfter: req.ClaimableAfter,
		ClaimableUntil: req.ClaimableUntil,
		Conditions:     conditions,
		ComplianceHash: req.ComplianceHash,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransferResponse(rec))
}

// handleTransferDetail serves /api/transfers/{address} and the resolution
// actions claim, cancel, decline, reject, expire, destroy.
func (s *Server) handleTransferDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/transfers/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if parts[0] == "" {
		writeJSONError(w, http.StatusBadRequest, "transfer address required")
		return
	}
	addr := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		rec, err := s.recordReader.Get(r.Context(), addr)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toTransferResponse(rec))
	case len(parts) == 2 && r.Method == http.MethodPost:
		s.handleTransferAction(w, r, addr, parts[1])
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleTransferAction(w http.ResponseWriter, r *http.Request, addr, action string) {
	var req struct {
		Pool   string `json:"pool"`
		Reason *uint8 `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Pool == "" {
		writeJSONError(w, http.StatusBadRequest, "pool address required")
		return
	}

	ctx := r.Context()
	actor := actorFrom(ctx)

	var (
		rec transfer.Record
		err error
	)
	switch action {
	case "claim":
		rec, err = s.transferService.Claim(ctx, req.Pool, addr, actor)
	case "cancel":
		rec, err = s.transferService.Cancel(ctx, req.Pool, addr, actor)
	case "decline":
		rec, err = s.transferService.Decline(ctx, req.Pool, addr, actor, req.Reason)
	case "reject":
		rec, err = s.transferService.Reject(ctx, req.Pool, addr, actor, req.Reason)
	case "expire":
		rec, err = s.transferService.Expire(ctx, req.Pool, addr)
	case "destroy":
		rec, err = s.transferService.Destroy(ctx, req.Pool, addr, actor)
	default:
		writeJSONError(w, http.StatusNotFound, "unknown transfer action")
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferResponse(rec))
}

// writeDomainError maps service sentinels onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pool.ErrNotFound),
		errors.Is(err, transfer.ErrTransferNotFound),
		errors.Is(err, vault.ErrAccountNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pool.ErrOperatorOnly),
		errors.Is(err, transfer.ErrOnlySenderCanCancel),
		errors.Is(err, transfer.ErrOnlyRecipientCanClaim),
		errors.Is(err, transfer.ErrOnlyRecipientCanDecline),
		errors.Is(err, vault.ErrUnauthorizedMovement):
		writeJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, pool.ErrPoolExists),
		errors.Is(err, transfer.ErrTransferExists),
		errors.Is(err, transfer.ErrTransferNotActive),
		errors.Is(err, pool.ErrOutstandingTransfers),
		errors.Is(err, pool.ErrPoolPaused),
		errors.Is(err, transfer.ErrPoolNotPaused),
		errors.Is(err, pool.ErrNoCollectedFees),
		errors.Is(err, transfer.ErrOutsideClaimWindow),
		errors.Is(err, transfer.ErrDeadlineNotPassed):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pool.ErrInvalidFeeConfig),
		errors.Is(err, transfer.ErrDepositTooSmall),
		errors.Is(err, transfer.ErrMemoTooLong),
		errors.Is(err, transfer.ErrInvalidTimeWindow),
		errors.Is(err, transfer.ErrWrongPool):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, vault.ErrInsufficientFunds),
		errors.Is(err, pool.ErrInsufficientFunds):
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
