// Package handler содержит HTTP-обработчики API сервиса экзаменационных пулов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/exampool-system/internal/middleware"
	"github.com/mmeshcher/exampool-system/internal/model"
	"github.com/mmeshcher/exampool-system/internal/repository"
	"github.com/mmeshcher/exampool-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterStudent(ctx context.Context, login, password string) (int64, error)
	AuthenticateStudent(ctx context.Context, login, password string) (*model.Student, error)
	GetBalance(ctx context.Context, studentID int64) (*model.Balance, error)
	TopUp(ctx context.Context, studentID int64, sum float64) error
	GetTransactions(ctx context.Context, studentID int64) ([]model.WalletTransaction, error)
	ListPools(ctx context.Context) ([]model.ExamPool, error)
	JoinPool(ctx context.Context, studentID, poolID int64, modules []string) (*model.Membership, error)
	CancelMembership(ctx context.Context, studentID, poolID int64) error
	GetMemberships(ctx context.Context, studentID int64) ([]model.Membership, error)
	CreatePool(ctx context.Context, p model.ExamPool) (*model.ExamPool, error)
	ConfirmPool(ctx context.Context, poolID int64) error
	FailPool(ctx context.Context, poolID int64) error
	CancelPool(ctx context.Context, poolID int64) error
	LockPool(ctx context.Context, poolID int64) error
	UnlockPool(ctx context.Context, poolID int64) error
	CompletePool(ctx context.Context, poolID int64) error
	RecalculateCount(ctx context.Context, poolID int64) (int, error)
	MergePools(ctx context.Context, sourceID, targetID int64) (int, error)
	FindMergeCandidates(ctx context.Context) ([]model.MergeCandidate, error)
}

// Handler реализует HTTP-обработчики API сервиса экзаменационных пулов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeReason отдаёт стабильную причину отказа, по которой вызывающая
// сторона строит сообщение пользователю.
func writeReason(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: reason})
}

// writeDomainError преобразует доменные ошибки в HTTP-статусы со стабильными причинами.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrStudentNotFound),
		errors.Is(err, repository.ErrWalletNotFound),
		errors.Is(err, repository.ErrPoolNotFound),
		errors.Is(err, repository.ErrMembershipNotFound),
		errors.Is(err, repository.ErrReservationNotFound):
		writeReason(w, http.StatusNotFound, "not_found")
	case errors.Is(err, repository.ErrInsufficientFunds):
		writeReason(w, http.StatusPaymentRequired, "insufficient_funds")
	case errors.Is(err, repository.ErrPoolClosed):
		writeReason(w, http.StatusConflict, "pool_closed")
	case errors.Is(err, repository.ErrDeadlinePassed):
		writeReason(w, http.StatusConflict, "deadline_passed")
	case errors.Is(err, repository.ErrPoolFull):
		writeReason(w, http.StatusConflict, "pool_full")
	case errors.Is(err, repository.ErrModuleLimitExceeded):
		writeReason(w, http.StatusConflict, "module_limit_exceeded")
	case errors.Is(err, repository.ErrAlreadyJoined):
		writeReason(w, http.StatusConflict, "already_joined")
	case errors.Is(err, repository.ErrBelowMinimum):
		writeReason(w, http.StatusConflict, "below_minimum")
	case errors.Is(err, repository.ErrInvalidState):
		writeReason(w, http.StatusConflict, "invalid_state")
	case errors.Is(err, service.ErrInvalidModules):
		writeReason(w, http.StatusUnprocessableEntity, "invalid_modules")
	case errors.Is(err, service.ErrInvalidPool):
		writeReason(w, http.StatusUnprocessableEntity, "invalid_pool")
	default:
		h.logger.Error("internal error", zap.Error(err))
		writeReason(w, http.StatusInternalServerError, "transaction_failed")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

func identityFromRequest(w http.ResponseWriter, r *http.Request) (middleware.Identity, bool) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return identity, ok
}

func poolIDFromRequest(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "poolID"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового студента.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	studentID, err := h.service.RegisterStudent(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrStudentExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register student error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, middleware.Identity{StudentID: studentID})
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию студента и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	student, err := h.service.AuthenticateStudent(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrStudentNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login student error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, middleware.Identity{
		StudentID: student.ID,
		Staff:     student.IsStaff,
	})
	w.WriteHeader(http.StatusOK)
}

// GetBalance возвращает баланс кошелька текущего студента.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromRequest(w, r)
	if !ok {
		return
	}

	balance, err := h.service.GetBalance(r.Context(), identity.StudentID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, balance)
}

type topUpRequest struct {
	Sum float64 `json:"sum"`
}

// TopUp пополняет кошелёк текущего студента.
func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromRequest(w, r)
	if !ok {
		return
	}

	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Sum <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.TopUp(r.Context(), identity.StudentID, req.Sum); err != nil {
		h.writeDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type transactionResponse struct {
	Amount         float64 `json:"amount"`
	Type           string  `json:"type"`
	Description    string  `json:"description"`
	AvailableAfter float64 `json:"available_after"`
	ReservedAfter  float64 `json:"reserved_after"`
	ProcessedAt    string  `json:"processed_at"`
}

// GetTransactions возвращает историю операций кошелька текущего студента.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromRequest(w, r)
	if !ok {
		return
	}

	transactions, err := h.service.GetTransactions(r.Context(), identity.StudentID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	if len(transactions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(transactions))
	for _, t := range transactions {
		resp = append(resp, transactionResponse{
			Amount:         float64(t.AmountCents) / 100,
			Type:           string(t.Type),
			Description:    t.Description,
			AvailableAfter: float64(t.AvailableAfter) / 100,
			ReservedAfter:  float64(t.ReservedAfter) / 100,
			ProcessedAt:    t.CreatedAt.Format(time.RFC3339),
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type poolResponse struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	ExamDate        string `json:"exam_date"`
	Status          string `json:"status"`
	MinCandidates   int    `json:"min_candidates"`
	MaxCandidates   int    `json:"max_candidates"`
	CurrentCount    int    `json:"current_count"`
	JoinDeadline    string `json:"join_deadline"`
	ConfirmDeadline string `json:"confirm_deadline"`
}

func toPoolResponse(p model.ExamPool) poolResponse {
	return poolResponse{
		ID:              p.ID,
		Name:            p.Name,
		ExamDate:        p.ExamDate.Format(time.RFC3339),
		Status:          string(p.Status),
		MinCandidates:   p.MinCandidates,
		MaxCandidates:   p.MaxCandidates,
		CurrentCount:    p.CurrentCount,
		JoinDeadline:    p.JoinDeadline.Format(time.RFC3339),
		ConfirmDeadline: p.ConfirmDeadline.Format(time.RFC3339),
	}
}

// GetPools возвращает список пулов, открытых для вступления.
func (h *Handler) GetPools(w http.ResponseWriter, r *http.Request) {
	pools, err := h.service.ListPools(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	if len(pools) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]poolResponse, 0, len(pools))
	for _, p := range pools {
		resp = append(resp, toPoolResponse(p))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type joinRequest struct {
	Modules []string `json:"modules"`
}

type membershipResponse struct {
	Token     string   `json:"token"`
	PoolID    int64    `json:"pool_id"`
	Modules   []string `json:"modules"`
	Price     float64  `json:"price"`
	Status    string   `json:"status"`
	CreatedAt string   `json:"created_at"`
}

func toMembershipResponse(m model.Membership) membershipResponse {
	return membershipResponse{
		Token:     m.Token.String(),
		PoolID:    m.PoolID,
		Modules:   m.Modules,
		Price:     float64(m.PriceCents) / 100,
		Status:    string(m.Status),
		CreatedAt: m.CreatedAt.Format(time.RFC3339),
	}
}

// JoinPool записывает текущего студента в пул.
func (h *Handler) JoinPool(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromRequest(w, r)
	if !ok {
		return
	}

	poolID, ok := poolIDFromRequest(w, r)
	if !ok {
		return
	}

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	m, err := h.service.JoinPool(r.Context(), identity.StudentID, poolID, req.Modules)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toMembershipResponse(*m))
}

// CancelMembership отменяет участие текущего студента в пуле.
func (h *Handler) CancelMembership(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromRequest(w, r)
	if !ok {
		return
	}

	poolID, ok := poolIDFromRequest(w, r)
	if !ok {
		return
	}

	if err := h.service.CancelMembership(r.Context(), identity.StudentID, poolID); err != nil {
		h.writeDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetMemberships возвращает участия текущего студента.
func (h *Handler) GetMemberships(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromRequest(w, r)
	if !ok {
		return
	}

	memberships, err := h.service.GetMemberships(r.Context(), identity.StudentID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	if len(memberships) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]membershipResponse, 0, len(memberships))
	for _, m := range memberships {
		resp = append(resp, toMembershipResponse(m))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type createPoolRequest struct {
	Name            string    `json:"name"`
	ExamDate        time.Time `json:"exam_date"`
	MinCandidates   int       `json:"min_candidates"`
	MaxCandidates   int       `json:"max_candidates"`
	JoinDeadline    time.Time `json:"join_deadline"`
	ConfirmDeadline time.Time `json:"confirm_deadline"`
}

// CreatePool создаёт новый экзаменационный пул.
func (h *Handler) CreatePool(w http.ResponseWriter, r *http.Request) {
	var req createPoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	pool, err := h.service.CreatePool(r.Context(), model.ExamPool{
		Name:            req.Name,
		ExamDate:        req.ExamDate,
		MinCandidates:   req.MinCandidates,
		MaxCandidates:   req.MaxCandidates,
		JoinDeadline:    req.JoinDeadline,
		ConfirmDeadline: req.ConfirmDeadline,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toPoolResponse(*pool))
}

// poolAction строит обработчик перевода пула через указанную операцию сервиса.
func (h *Handler) poolAction(action func(ctx context.Context, poolID int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		poolID, ok := poolIDFromRequest(w, r)
		if !ok {
			return
		}

		if err := action(r.Context(), poolID); err != nil {
			h.writeDomainError(w, err)
			return
		}

		w.WriteHeader(http.StatusOK)
	}
}

// RecalculateCount пересчитывает число участников пула.
func (h *Handler) RecalculateCount(w http.ResponseWriter, r *http.Request) {
	poolID, ok := poolIDFromRequest(w, r)
	if !ok {
		return
	}

	count, err := h.service.RecalculateCount(r.Context(), poolID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int{"current_count": count})
}

type mergeRequest struct {
	SourceID int64 `json:"source_id"`
	TargetID int64 `json:"target_id"`
}

// MergePools объединяет два пула.
func (h *Handler) MergePools(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.SourceID <= 0 || req.TargetID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	moved, err := h.service.MergePools(r.Context(), req.SourceID, req.TargetID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int{"moved": moved})
}

// GetMergeCandidates возвращает предложения по объединению пулов.
func (h *Handler) GetMergeCandidates(w http.ResponseWriter, r *http.Request) {
	candidates, err := h.service.FindMergeCandidates(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	if len(candidates) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, candidates)
}
