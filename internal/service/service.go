// Package service реализует бизнес-логику сервиса экзаменационных пулов.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/exampool-system/internal/model"
	"github.com/mmeshcher/exampool-system/internal/validation"
)

// ErrInvalidModules возвращается при некорректном наборе запрошенных модулей.
var (
	ErrInvalidModules = errors.New("invalid exam modules")
	// ErrInvalidPool возвращается при некорректных параметрах создаваемого пула.
	ErrInvalidPool = errors.New("invalid pool parameters")
	// ErrInvalidCredentials возвращается при неверном логине или пароле.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateStudent(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetStudentByLogin(ctx context.Context, login string) (*model.Student, error)
	GetBalance(ctx context.Context, studentID int64) (int64, int64, error)
	TopUp(ctx context.Context, studentID int64, amountCents int64) error
	GetTransactionsByStudent(ctx context.Context, studentID int64) ([]model.WalletTransaction, error)
	CreatePool(ctx context.Context, p model.ExamPool) (*model.ExamPool, error)
	GetPool(ctx context.Context, poolID int64) (*model.ExamPool, error)
	ListJoinablePools(ctx context.Context) ([]model.ExamPool, error)
	JoinPool(ctx context.Context, studentID, poolID int64, modules []string, priceCents int64, ttl time.Duration) (*model.Membership, error)
	CancelMembership(ctx context.Context, studentID, poolID int64) error
	GetMembershipsByStudent(ctx context.Context, studentID int64) ([]model.Membership, error)
	ConfirmPool(ctx context.Context, poolID int64) ([]int64, error)
	FailPool(ctx context.Context, poolID int64) ([]int64, error)
	CancelPool(ctx context.Context, poolID int64) ([]int64, error)
	LockPool(ctx context.Context, poolID int64) error
	UnlockPool(ctx context.Context, poolID int64) error
	CompletePool(ctx context.Context, poolID int64) error
	RecalculateCount(ctx context.Context, poolID int64) (int, error)
	MergePools(ctx context.Context, sourceID, targetID int64) (int, error)
	FindMergeCandidates(ctx context.Context) ([]model.MergeCandidate, error)
	GetExpiredMemberships(ctx context.Context, limit int) ([]model.Membership, error)
	ReleaseExpiredMembership(ctx context.Context, membershipID int64) (bool, error)
}

// Notifier отправляет уведомления о событиях пула. Сбои уведомлений
// логируются и не влияют на результат операции.
type Notifier interface {
	PoolConfirmed(ctx context.Context, poolID int64, studentIDs []int64) error
	SeatRefunded(ctx context.Context, poolID int64, studentIDs []int64) error
}

// PricingPolicy вычисляет стоимость места по набору запрошенных модулей.
type PricingPolicy func(modules []string) int64

// FlatModulePricing возвращает политику с фиксированной ценой за каждый модуль.
func FlatModulePricing(perModuleCents int64) PricingPolicy {
	return func(modules []string) int64 {
		return perModuleCents * int64(len(modules))
	}
}

// Service содержит бизнес-логику сервиса экзаменационных пулов.
type Service struct {
	repo           Repository
	notifier       Notifier
	pricing        PricingPolicy
	reservationTTL time.Duration
	logger         *zap.Logger
}

// NewService создаёт новый сервис с указанным репозиторием, отправителем
// уведомлений и политикой ценообразования.
func NewService(repo Repository, notifier Notifier, pricing PricingPolicy,
	reservationTTL time.Duration, logger *zap.Logger) *Service {

	return &Service{
		repo:           repo,
		notifier:       notifier,
		pricing:        pricing,
		reservationTTL: reservationTTL,
		logger:         logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterStudent регистрирует нового студента.
func (s *Service) RegisterStudent(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	return s.repo.CreateStudent(ctx, login, hashed)
}

// AuthenticateStudent проверяет логин и пароль и возвращает студента.
func (s *Service) AuthenticateStudent(ctx context.Context, login, password string) (*model.Student, error) {
	st, err := s.repo.GetStudentByLogin(ctx, login)
	if err != nil {
		return nil, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(st.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	return st, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// GetBalance возвращает баланс кошелька студента в виде структуры model.Balance.
func (s *Service) GetBalance(ctx context.Context, studentID int64) (*model.Balance, error) {
	available, reserved, err := s.repo.GetBalance(ctx, studentID)
	if err != nil {
		return nil, err
	}
	return &model.Balance{
		Available: float64(available) / 100,
		Reserved:  float64(reserved) / 100,
	}, nil
}

// TopUp пополняет кошелёк студента.
func (s *Service) TopUp(ctx context.Context, studentID int64, sum float64) error {
	amountCents := int64(math.Round(sum * 100))
	if amountCents <= 0 {
		return errors.New("top-up sum must be positive")
	}
	return s.repo.TopUp(ctx, studentID, amountCents)
}

// GetTransactions возвращает историю операций кошелька студента.
func (s *Service) GetTransactions(ctx context.Context, studentID int64) ([]model.WalletTransaction, error) {
	return s.repo.GetTransactionsByStudent(ctx, studentID)
}

// ListPools возвращает пулы, открытые для вступления.
func (s *Service) ListPools(ctx context.Context) ([]model.ExamPool, error) {
	return s.repo.ListJoinablePools(ctx)
}

// GetPool возвращает пул по идентификатору.
func (s *Service) GetPool(ctx context.Context, poolID int64) (*model.ExamPool, error) {
	return s.repo.GetPool(ctx, poolID)
}

// JoinPool записывает студента в пул, резервируя стоимость места с кошелька.
func (s *Service) JoinPool(ctx context.Context, studentID, poolID int64, modules []string) (*model.Membership, error) {
	normalized := validation.NormalizeModules(modules)
	if len(normalized) == 0 || len(normalized) > model.MaxDistinctModules {
		return nil, fmt.Errorf("%w: expected 1..%d modules", ErrInvalidModules, model.MaxDistinctModules)
	}
	for _, m := range normalized {
		if !validation.IsValidModuleCode(m) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidModules, m)
		}
	}

	price := s.pricing(normalized)
	return s.repo.JoinPool(ctx, studentID, poolID, normalized, price, s.reservationTTL)
}

// CancelMembership отменяет участие студента в пуле с возвратом средств.
func (s *Service) CancelMembership(ctx context.Context, studentID, poolID int64) error {
	return s.repo.CancelMembership(ctx, studentID, poolID)
}

// GetMemberships возвращает участия студента в пулах.
func (s *Service) GetMemberships(ctx context.Context, studentID int64) ([]model.Membership, error) {
	return s.repo.GetMembershipsByStudent(ctx, studentID)
}

// CreatePool создаёт новый пул после проверки параметров.
func (s *Service) CreatePool(ctx context.Context, p model.ExamPool) (*model.ExamPool, error) {
	switch {
	case p.Name == "":
		return nil, fmt.Errorf("%w: name is required", ErrInvalidPool)
	case p.MinCandidates <= 0:
		return nil, fmt.Errorf("%w: min candidates must be positive", ErrInvalidPool)
	case p.MaxCandidates < p.MinCandidates:
		return nil, fmt.Errorf("%w: max candidates below minimum", ErrInvalidPool)
	case p.ExamDate.IsZero() || p.JoinDeadline.IsZero() || p.ConfirmDeadline.IsZero():
		return nil, fmt.Errorf("%w: exam date and deadlines are required", ErrInvalidPool)
	case p.JoinDeadline.After(p.ExamDate):
		return nil, fmt.Errorf("%w: join deadline after exam date", ErrInvalidPool)
	case p.JoinDeadline.After(p.ConfirmDeadline):
		return nil, fmt.Errorf("%w: join deadline after confirm deadline", ErrInvalidPool)
	}

	return s.repo.CreatePool(ctx, p)
}

// ConfirmPool подтверждает пул и захватывает резервирования всех участников.
func (s *Service) ConfirmPool(ctx context.Context, poolID int64) error {
	students, err := s.repo.ConfirmPool(ctx, poolID)
	if err != nil {
		return err
	}

	s.notifyPoolConfirmed(ctx, poolID, students)
	return nil
}

// FailPool проваливает пул с возвратом средств всем участникам.
func (s *Service) FailPool(ctx context.Context, poolID int64) error {
	students, err := s.repo.FailPool(ctx, poolID)
	if err != nil {
		return err
	}

	s.notifySeatRefunded(ctx, poolID, students)
	return nil
}

// CancelPool отменяет пул с возвратом средств всем участникам.
func (s *Service) CancelPool(ctx context.Context, poolID int64) error {
	students, err := s.repo.CancelPool(ctx, poolID)
	if err != nil {
		return err
	}

	s.notifySeatRefunded(ctx, poolID, students)
	return nil
}

// LockPool замораживает пул.
func (s *Service) LockPool(ctx context.Context, poolID int64) error {
	return s.repo.LockPool(ctx, poolID)
}

// UnlockPool снимает заморозку пула.
func (s *Service) UnlockPool(ctx context.Context, poolID int64) error {
	return s.repo.UnlockPool(ctx, poolID)
}

// CompletePool переводит подтверждённый пул в COMPLETED.
func (s *Service) CompletePool(ctx context.Context, poolID int64) error {
	return s.repo.CompletePool(ctx, poolID)
}

// RecalculateCount пересчитывает число участников пула.
func (s *Service) RecalculateCount(ctx context.Context, poolID int64) (int, error) {
	return s.repo.RecalculateCount(ctx, poolID)
}

// MergePools объединяет два пула, перенося участников в целевой.
func (s *Service) MergePools(ctx context.Context, sourceID, targetID int64) (int, error) {
	return s.repo.MergePools(ctx, sourceID, targetID)
}

// FindMergeCandidates возвращает предложения по объединению пулов.
func (s *Service) FindMergeCandidates(ctx context.Context) ([]model.MergeCandidate, error) {
	return s.repo.FindMergeCandidates(ctx)
}

func (s *Service) notifyPoolConfirmed(ctx context.Context, poolID int64, students []int64) {
	if s.notifier == nil || len(students) == 0 {
		return
	}
	if err := s.notifier.PoolConfirmed(ctx, poolID, students); err != nil {
		s.logger.Warn("pool confirmed notification failed",
			zap.Error(err), zap.Int64("poolID", poolID))
	}
}

func (s *Service) notifySeatRefunded(ctx context.Context, poolID int64, students []int64) {
	if s.notifier == nil || len(students) == 0 {
		return
	}
	if err := s.notifier.SeatRefunded(ctx, poolID, students); err != nil {
		s.logger.Warn("seat refunded notification failed",
			zap.Error(err), zap.Int64("poolID", poolID))
	}
}

// StartExpirySweeper запускает фоновый процесс возврата средств по истёкшим резервированиям.
func (s *Service) StartExpirySweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepExpired(ctx)
			}
		}
	}()
}

func (s *Service) sweepExpired(ctx context.Context) {
	expired, err := s.repo.GetExpiredMemberships(ctx, 100)
	if err != nil {
		s.logger.Warn("expired reservations lookup failed", zap.Error(err))
		return
	}

	for _, m := range expired {
		released, err := s.repo.ReleaseExpiredMembership(ctx, m.ID)
		if err != nil {
			s.logger.Warn("expired reservation release failed",
				zap.Error(err), zap.Int64("membershipID", m.ID))
			continue
		}
		// Участие могло подтвердиться после выборки кандидатов: без возврата нет и уведомления.
		if !released {
			continue
		}
		s.notifySeatRefunded(ctx, m.PoolID, []int64{m.StudentID})
	}
}
