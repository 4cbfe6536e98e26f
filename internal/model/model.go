// Package model содержит доменные сущности сервиса экзаменационных пулов.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Student представляет зарегистрированного участника системы.
type Student struct {
	ID           int64
	Login        string
	PasswordHash []byte
	IsStaff      bool
	CreatedAt    time.Time
}

// Wallet представляет кошелёк студента с доступным и зарезервированным балансом в центах.
type Wallet struct {
	ID             int64
	StudentID      int64
	AvailableCents int64
	ReservedCents  int64
	CreatedAt      time.Time
}

// TransactionType описывает тип операции в журнале кошелька.
type TransactionType string

const (
	TransactionTypeTopUp   TransactionType = "TOPUP"
	TransactionTypeReserve TransactionType = "RESERVE"
	TransactionTypeRelease TransactionType = "RELEASE"
	TransactionTypeCapture TransactionType = "CAPTURE"
	TransactionTypeUsage   TransactionType = "USAGE"
)

// WalletTransaction описывает неизменяемую запись журнала операций кошелька.
// AmountCents — знаковое изменение затронутого баланса; AvailableAfter и
// ReservedAfter фиксируют состояние кошелька после операции для сверки.
type WalletTransaction struct {
	ID             int64
	WalletID       int64
	AmountCents    int64
	Type           TransactionType
	Description    string
	AvailableAfter int64
	ReservedAfter  int64
	CreatedAt      time.Time
}

// ReservationStatus описывает статус резервирования средств.
type ReservationStatus string

const (
	ReservationStatusActive   ReservationStatus = "ACTIVE"
	ReservationStatusCaptured ReservationStatus = "CAPTURED"
	ReservationStatusReleased ReservationStatus = "RELEASED"
)

// WalletReservation описывает удержание средств кошелька до подтверждения или возврата.
type WalletReservation struct {
	ID          int64
	WalletID    int64
	AmountCents int64
	Status      ReservationStatus
	Purpose     string
	ExpiresAt   time.Time
	CapturedAt  *time.Time
	ReleasedAt  *time.Time
	CreatedAt   time.Time
}

// PoolStatus описывает статус экзаменационного пула.
type PoolStatus string

const (
	PoolStatusOpen       PoolStatus = "OPEN"
	PoolStatusNearlyFull PoolStatus = "NEARLY_FULL"
	PoolStatusLocked     PoolStatus = "LOCKED"
	PoolStatusConfirmed  PoolStatus = "CONFIRMED"
	PoolStatusFailed     PoolStatus = "FAILED"
	PoolStatusCancelled  PoolStatus = "CANCELLED"
	PoolStatusCompleted  PoolStatus = "COMPLETED"
)

// IsTerminal возвращает true для статусов, из которых пул уже не возвращается.
func (s PoolStatus) IsTerminal() bool {
	switch s {
	case PoolStatusFailed, PoolStatusCancelled, PoolStatusCompleted:
		return true
	}
	return false
}

// IsJoinable возвращает true, если пул принимает новых участников.
func (s PoolStatus) IsJoinable() bool {
	return s == PoolStatusOpen || s == PoolStatusNearlyFull
}

// MaxDistinctModules — максимум различных модулей среди активных участников пула.
const MaxDistinctModules = 4

// NearlyFullRatio — доля заполнения, после которой пул помечается NEARLY_FULL.
const NearlyFullRatio = 0.8

// ExamPool описывает групповой экзаменационный пул с порогами наполнения.
type ExamPool struct {
	ID              int64
	Name            string
	ExamDate        time.Time
	Status          PoolStatus
	MinCandidates   int
	MaxCandidates   int
	CurrentCount    int
	JoinDeadline    time.Time
	ConfirmDeadline time.Time
	ConfirmedAt     *time.Time
	CreatedAt       time.Time
}

// MembershipStatus описывает статус участия студента в пуле.
type MembershipStatus string

const (
	MembershipStatusSoftJoined MembershipStatus = "SOFT_JOINED"
	MembershipStatusConfirmed  MembershipStatus = "CONFIRMED"
	MembershipStatusCancelled  MembershipStatus = "CANCELLED"
)

// Membership связывает студента, пул и резервирование средств за место.
type Membership struct {
	ID            int64
	Token         uuid.UUID
	PoolID        int64
	StudentID     int64
	Modules       []string
	ReservationID int64
	PriceCents    int64
	Status        MembershipStatus
	CreatedAt     time.Time
}

// Balance содержит баланс кошелька для выдачи наружу.
type Balance struct {
	Available float64 `json:"available"`
	Reserved  float64 `json:"reserved"`
}

// MergeCandidate описывает пару пулов, предлагаемых к объединению.
type MergeCandidate struct {
	SourceID int64 `json:"source_id"`
	TargetID int64 `json:"target_id"`
}
