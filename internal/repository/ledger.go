package repository

import (
	"fmt"

	"github.com/mmeshcher/exampool-system/internal/model"
)

// walletBalance — состояние балансов кошелька в центах. Все операции журнала
// проходят через методы этого типа, транзакции лишь фиксируют результат.
type walletBalance struct {
	available int64
	reserved  int64
}

func (b walletBalance) topUp(amountCents int64) walletBalance {
	return walletBalance{
		available: b.available + amountCents,
		reserved:  b.reserved,
	}
}

// reserve удерживает сумму с доступного баланса.
func (b walletBalance) reserve(amountCents int64) (walletBalance, error) {
	if b.available < amountCents {
		return b, ErrInsufficientFunds
	}
	return walletBalance{
		available: b.available - amountCents,
		reserved:  b.reserved + amountCents,
	}, nil
}

// capture окончательно списывает удержанную сумму.
func (b walletBalance) capture(amountCents int64) walletBalance {
	return walletBalance{
		available: b.available,
		reserved:  b.reserved - amountCents,
	}
}

// release возвращает удержанную сумму на доступный баланс.
func (b walletBalance) release(amountCents int64) walletBalance {
	return walletBalance{
		available: b.available + amountCents,
		reserved:  b.reserved - amountCents,
	}
}

// captureTransition определяет действие захвата по текущему статусу
// резервирования: выполнить, пропустить (повторный захват) или отказать.
func captureTransition(status model.ReservationStatus) (bool, error) {
	switch status {
	case model.ReservationStatusActive:
		return true, nil
	case model.ReservationStatusCaptured:
		return false, nil
	default:
		return false, fmt.Errorf("%w: capture of %s reservation", ErrInvalidState, status)
	}
}

// releaseTransition — зеркальное правило для возврата средств.
func releaseTransition(status model.ReservationStatus) (bool, error) {
	switch status {
	case model.ReservationStatusActive:
		return true, nil
	case model.ReservationStatusReleased:
		return false, nil
	default:
		return false, fmt.Errorf("%w: release of %s reservation", ErrInvalidState, status)
	}
}
