package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/exampool-system/internal/model"
)

// CreatePool создаёт новый экзаменационный пул.
func (r *PostgresRepository) CreatePool(ctx context.Context, p model.ExamPool) (*model.ExamPool, error) {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO exam_pools (name, exam_date, status, min_candidates, max_candidates, join_deadline, confirm_deadline)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, status, current_count, created_at`,
		p.Name, p.ExamDate, string(model.PoolStatusOpen), p.MinCandidates, p.MaxCandidates,
		p.JoinDeadline, p.ConfirmDeadline,
	).Scan(&p.ID, &p.Status, &p.CurrentCount, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert pool: %w", err)
	}

	return &p, nil
}

const poolColumns = `id, name, exam_date, status, min_candidates, max_candidates,
	current_count, join_deadline, confirm_deadline, confirmed_at, created_at`

func scanPool(row pgx.Row) (*model.ExamPool, error) {
	var p model.ExamPool
	var status string
	err := row.Scan(&p.ID, &p.Name, &p.ExamDate, &status, &p.MinCandidates, &p.MaxCandidates,
		&p.CurrentCount, &p.JoinDeadline, &p.ConfirmDeadline, &p.ConfirmedAt, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPoolNotFound
		}
		return nil, fmt.Errorf("scan pool: %w", err)
	}
	p.Status = model.PoolStatus(status)
	return &p, nil
}

// GetPool возвращает пул по идентификатору.
func (r *PostgresRepository) GetPool(ctx context.Context, poolID int64) (*model.ExamPool, error) {
	return scanPool(r.pool.QueryRow(ctx,
		`SELECT `+poolColumns+` FROM exam_pools WHERE id = $1`, poolID))
}

// ListJoinablePools возвращает пулы, открытые для вступления, в порядке даты экзамена.
func (r *PostgresRepository) ListJoinablePools(ctx context.Context) ([]model.ExamPool, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+poolColumns+`
		 FROM exam_pools
		 WHERE status IN ($1, $2) AND join_deadline > now()
		 ORDER BY exam_date`,
		string(model.PoolStatusOpen), string(model.PoolStatusNearlyFull),
	)
	if err != nil {
		return nil, fmt.Errorf("select pools: %w", err)
	}
	defer rows.Close()

	var res []model.ExamPool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// lockPool блокирует строку пула на время транзакции.
func lockPool(ctx context.Context, tx pgx.Tx, poolID int64) (*model.ExamPool, error) {
	return scanPool(tx.QueryRow(ctx,
		`SELECT `+poolColumns+` FROM exam_pools WHERE id = $1 FOR UPDATE`, poolID))
}

// setPoolFill записывает число участников и выводит статус OPEN/NEARLY_FULL из доли заполнения.
func setPoolFill(ctx context.Context, tx pgx.Tx, p *model.ExamPool, count int) error {
	status := p.Status
	if status.IsJoinable() {
		if float64(count) >= model.NearlyFullRatio*float64(p.MaxCandidates) {
			status = model.PoolStatusNearlyFull
		} else {
			status = model.PoolStatusOpen
		}
	}

	_, err := tx.Exec(ctx,
		`UPDATE exam_pools SET current_count = $2, status = $3 WHERE id = $1`,
		p.ID, count, string(status),
	)
	if err != nil {
		return fmt.Errorf("update pool fill: %w", err)
	}
	return nil
}

// activeModules возвращает множество различных модулей неотменённых участников пула.
func activeModules(ctx context.Context, tx pgx.Tx, poolID int64) (map[string]struct{}, error) {
	rows, err := tx.Query(ctx,
		`SELECT modules FROM pool_memberships WHERE pool_id = $1 AND status <> $2`,
		poolID, string(model.MembershipStatusCancelled),
	)
	if err != nil {
		return nil, fmt.Errorf("select modules: %w", err)
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var modules []string
		if err := rows.Scan(&modules); err != nil {
			return nil, fmt.Errorf("scan modules: %w", err)
		}
		for _, m := range modules {
			set[m] = struct{}{}
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return set, nil
}

// JoinPool вступает в пул: проверка вместимости, резервирование средств и
// создание участия выполняются одной транзакцией.
func (r *PostgresRepository) JoinPool(ctx context.Context, studentID, poolID int64,
	modules []string, priceCents int64, ttl time.Duration) (*model.Membership, error) {

	var m *model.Membership
	err := r.withRetry(ctx, func() error {
		var err error
		m, err = r.joinPoolTx(ctx, studentID, poolID, modules, priceCents, ttl)
		return err
	})
	return m, err
}

func (r *PostgresRepository) joinPoolTx(ctx context.Context, studentID, poolID int64,
	modules []string, priceCents int64, ttl time.Duration) (*model.Membership, error) {

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := lockPool(ctx, tx, poolID)
	if err != nil {
		return nil, err
	}

	// Порядок проверок определяет причину отказа: статус, срок, вместимость, модули.
	if !p.Status.IsJoinable() {
		return nil, ErrPoolClosed
	}
	if !time.Now().Before(p.JoinDeadline) {
		return nil, ErrDeadlinePassed
	}
	if p.CurrentCount >= p.MaxCandidates {
		return nil, ErrPoolFull
	}

	existing, err := activeModules(ctx, tx, poolID)
	if err != nil {
		return nil, err
	}
	combined := len(existing)
	for _, m := range modules {
		if _, ok := existing[m]; !ok {
			combined++
		}
	}
	if combined > model.MaxDistinctModules {
		return nil, ErrModuleLimitExceeded
	}

	var joined bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM pool_memberships
		   WHERE pool_id = $1 AND student_id = $2 AND status <> $3
		 )`,
		poolID, studentID, string(model.MembershipStatusCancelled),
	).Scan(&joined)
	if err != nil {
		return nil, fmt.Errorf("check membership: %w", err)
	}
	if joined {
		return nil, ErrAlreadyJoined
	}

	w, err := lockWallet(ctx, tx, studentID)
	if err != nil {
		return nil, err
	}

	purpose := fmt.Sprintf("seat reservation for pool %q", p.Name)
	reservationID, err := reserveFunds(ctx, tx, w, priceCents, purpose, ttl)
	if err != nil {
		return nil, err
	}

	m := &model.Membership{
		Token:         uuid.New(),
		PoolID:        poolID,
		StudentID:     studentID,
		Modules:       modules,
		ReservationID: reservationID,
		PriceCents:    priceCents,
		Status:        model.MembershipStatusSoftJoined,
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO pool_memberships (token, pool_id, student_id, modules, reservation_id, price_cents, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at`,
		m.Token, m.PoolID, m.StudentID, m.Modules, m.ReservationID, m.PriceCents, string(m.Status),
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert membership: %w", err)
	}

	if err := setPoolFill(ctx, tx, p, p.CurrentCount+1); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return m, nil
}

// CancelMembership отменяет участие студента в пуле и возвращает зарезервированные средства.
func (r *PostgresRepository) CancelMembership(ctx context.Context, studentID, poolID int64) error {
	return r.withRetry(ctx, func() error {
		return r.cancelMembershipTx(ctx, studentID, poolID)
	})
}

func (r *PostgresRepository) cancelMembershipTx(ctx context.Context, studentID, poolID int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := lockPool(ctx, tx, poolID)
	if err != nil {
		return err
	}

	var membershipID, reservationID int64
	var status string
	err = tx.QueryRow(ctx,
		`SELECT id, reservation_id, status FROM pool_memberships
		 WHERE pool_id = $1 AND student_id = $2 AND status <> $3
		 FOR UPDATE`,
		poolID, studentID, string(model.MembershipStatusCancelled),
	).Scan(&membershipID, &reservationID, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrMembershipNotFound
		}
		return fmt.Errorf("select membership: %w", err)
	}

	if model.MembershipStatus(status) == model.MembershipStatusConfirmed {
		return fmt.Errorf("%w: confirmed membership cannot be cancelled", ErrInvalidState)
	}

	if _, err := releaseReservation(ctx, tx, reservationID, "membership cancelled"); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`UPDATE pool_memberships SET status = $2 WHERE id = $1`,
		membershipID, string(model.MembershipStatusCancelled),
	)
	if err != nil {
		return fmt.Errorf("update membership: %w", err)
	}

	if err := setPoolFill(ctx, tx, p, p.CurrentCount-1); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// GetMembershipsByStudent возвращает участия студента в пулах.
func (r *PostgresRepository) GetMembershipsByStudent(ctx context.Context, studentID int64) ([]model.Membership, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, token, pool_id, student_id, modules, reservation_id, price_cents, status, created_at
		 FROM pool_memberships
		 WHERE student_id = $1
		 ORDER BY created_at DESC`,
		studentID,
	)
	if err != nil {
		return nil, fmt.Errorf("select memberships: %w", err)
	}
	defer rows.Close()

	var res []model.Membership
	for rows.Next() {
		var m model.Membership
		var status string
		if err := rows.Scan(&m.ID, &m.Token, &m.PoolID, &m.StudentID, &m.Modules,
			&m.ReservationID, &m.PriceCents, &status, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		m.Status = model.MembershipStatus(status)
		res = append(res, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ConfirmPool подтверждает пул: захватывает резервирования всех участников и
// переводит пул в CONFIRMED одной транзакцией. Возвращает идентификаторы студентов.
func (r *PostgresRepository) ConfirmPool(ctx context.Context, poolID int64) ([]int64, error) {
	var students []int64
	err := r.withRetry(ctx, func() error {
		var err error
		students, err = r.confirmPoolTx(ctx, poolID)
		return err
	})
	return students, err
}

func (r *PostgresRepository) confirmPoolTx(ctx context.Context, poolID int64) ([]int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := lockPool(ctx, tx, poolID)
	if err != nil {
		return nil, err
	}

	if !p.Status.IsJoinable() && p.Status != model.PoolStatusLocked {
		return nil, fmt.Errorf("%w: pool in status %s cannot be confirmed", ErrInvalidState, p.Status)
	}
	if p.CurrentCount < p.MinCandidates {
		return nil, fmt.Errorf("%w: %d of %d", ErrBelowMinimum, p.CurrentCount, p.MinCandidates)
	}

	members, err := lockActiveMembers(ctx, tx, poolID)
	if err != nil {
		return nil, err
	}

	students := make([]int64, 0, len(members))
	for _, m := range members {
		desc := fmt.Sprintf("seat captured for pool %q", p.Name)
		if _, err := captureReservation(ctx, tx, m.reservationID, desc); err != nil {
			return nil, err
		}
		students = append(students, m.studentID)
	}

	_, err = tx.Exec(ctx,
		`UPDATE pool_memberships SET status = $2 WHERE pool_id = $1 AND status = $3`,
		poolID, string(model.MembershipStatusConfirmed), string(model.MembershipStatusSoftJoined),
	)
	if err != nil {
		return nil, fmt.Errorf("confirm memberships: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE exam_pools SET status = $2, confirmed_at = now() WHERE id = $1`,
		poolID, string(model.PoolStatusConfirmed),
	)
	if err != nil {
		return nil, fmt.Errorf("confirm pool: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return students, nil
}

type activeMember struct {
	membershipID  int64
	studentID     int64
	reservationID int64
}

// lockActiveMembers блокирует неотменённые участия пула в стабильном порядке.
func lockActiveMembers(ctx context.Context, tx pgx.Tx, poolID int64) ([]activeMember, error) {
	rows, err := tx.Query(ctx,
		`SELECT id, student_id, reservation_id FROM pool_memberships
		 WHERE pool_id = $1 AND status = $2
		 ORDER BY id
		 FOR UPDATE`,
		poolID, string(model.MembershipStatusSoftJoined),
	)
	if err != nil {
		return nil, fmt.Errorf("select members: %w", err)
	}
	defer rows.Close()

	var res []activeMember
	for rows.Next() {
		var m activeMember
		if err := rows.Scan(&m.membershipID, &m.studentID, &m.reservationID); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		res = append(res, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// FailPool проваливает пул: возвращает средства всем участникам и переводит пул в FAILED.
func (r *PostgresRepository) FailPool(ctx context.Context, poolID int64) ([]int64, error) {
	return r.refundPool(ctx, poolID, model.PoolStatusFailed)
}

// CancelPool отменяет пул персоналом: возвраты как при провале, статус CANCELLED.
func (r *PostgresRepository) CancelPool(ctx context.Context, poolID int64) ([]int64, error) {
	return r.refundPool(ctx, poolID, model.PoolStatusCancelled)
}

func (r *PostgresRepository) refundPool(ctx context.Context, poolID int64, to model.PoolStatus) ([]int64, error) {
	var students []int64
	err := r.withRetry(ctx, func() error {
		var err error
		students, err = r.refundPoolTx(ctx, poolID, to)
		return err
	})
	return students, err
}

func (r *PostgresRepository) refundPoolTx(ctx context.Context, poolID int64, to model.PoolStatus) ([]int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := lockPool(ctx, tx, poolID)
	if err != nil {
		return nil, err
	}

	if !p.Status.IsJoinable() && p.Status != model.PoolStatusLocked {
		return nil, fmt.Errorf("%w: pool in status %s cannot be moved to %s", ErrInvalidState, p.Status, to)
	}

	members, err := lockActiveMembers(ctx, tx, poolID)
	if err != nil {
		return nil, err
	}

	students := make([]int64, 0, len(members))
	for _, m := range members {
		desc := fmt.Sprintf("seat refunded for pool %q", p.Name)
		if _, err := releaseReservation(ctx, tx, m.reservationID, desc); err != nil {
			return nil, err
		}
		students = append(students, m.studentID)
	}

	_, err = tx.Exec(ctx,
		`UPDATE pool_memberships SET status = $2 WHERE pool_id = $1 AND status = $3`,
		poolID, string(model.MembershipStatusCancelled), string(model.MembershipStatusSoftJoined),
	)
	if err != nil {
		return nil, fmt.Errorf("cancel memberships: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE exam_pools SET status = $2, current_count = 0 WHERE id = $1`,
		poolID, string(to),
	)
	if err != nil {
		return nil, fmt.Errorf("update pool: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return students, nil
}

// LockPool замораживает пул: вступления запрещены, пул остаётся живым.
func (r *PostgresRepository) LockPool(ctx context.Context, poolID int64) error {
	return r.transitionPool(ctx, poolID, model.PoolStatusLocked, func(p *model.ExamPool) bool {
		return p.Status.IsJoinable()
	})
}

// UnlockPool снимает заморозку; статус выводится из доли заполнения.
func (r *PostgresRepository) UnlockPool(ctx context.Context, poolID int64) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		p, err := lockPool(ctx, tx, poolID)
		if err != nil {
			return err
		}
		if p.Status != model.PoolStatusLocked {
			return fmt.Errorf("%w: pool in status %s is not locked", ErrInvalidState, p.Status)
		}

		p.Status = model.PoolStatusOpen
		if err := setPoolFill(ctx, tx, p, p.CurrentCount); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// CompletePool переводит подтверждённый пул в COMPLETED после проведения экзамена.
func (r *PostgresRepository) CompletePool(ctx context.Context, poolID int64) error {
	return r.transitionPool(ctx, poolID, model.PoolStatusCompleted, func(p *model.ExamPool) bool {
		return p.Status == model.PoolStatusConfirmed
	})
}

func (r *PostgresRepository) transitionPool(ctx context.Context, poolID int64,
	to model.PoolStatus, allowed func(*model.ExamPool) bool) error {

	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		p, err := lockPool(ctx, tx, poolID)
		if err != nil {
			return err
		}
		if !allowed(p) {
			return fmt.Errorf("%w: pool in status %s cannot be moved to %s", ErrInvalidState, p.Status, to)
		}

		_, err = tx.Exec(ctx,
			`UPDATE exam_pools SET status = $2 WHERE id = $1`,
			poolID, string(to),
		)
		if err != nil {
			return fmt.Errorf("update pool: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// RecalculateCount пересчитывает число неотменённых участников пула.
func (r *PostgresRepository) RecalculateCount(ctx context.Context, poolID int64) (int, error) {
	var count int
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		p, err := lockPool(ctx, tx, poolID)
		if err != nil {
			return err
		}

		count, err = recalculateCount(ctx, tx, p)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	return count, err
}

func recalculateCount(ctx context.Context, tx pgx.Tx, p *model.ExamPool) (int, error) {
	var count int
	err := tx.QueryRow(ctx,
		`SELECT count(*) FROM pool_memberships WHERE pool_id = $1 AND status <> $2`,
		p.ID, string(model.MembershipStatusCancelled),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count members: %w", err)
	}

	if err := setPoolFill(ctx, tx, p, count); err != nil {
		return 0, err
	}

	return count, nil
}

// MergePools переносит участников исходного пула в целевой. Перед переносом
// повторно проверяются вместимость и лимит различных модулей целевого пула.
// Резервирования участников не затрагиваются. Возвращает число перенесённых.
func (r *PostgresRepository) MergePools(ctx context.Context, sourceID, targetID int64) (int, error) {
	var moved int
	err := r.withRetry(ctx, func() error {
		var err error
		moved, err = r.mergePoolsTx(ctx, sourceID, targetID)
		return err
	})
	return moved, err
}

func (r *PostgresRepository) mergePoolsTx(ctx context.Context, sourceID, targetID int64) (int, error) {
	if sourceID == targetID {
		return 0, fmt.Errorf("%w: pool cannot be merged into itself", ErrInvalidState)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Пулы блокируются в порядке идентификаторов во избежание взаимных блокировок.
	firstID, secondID := sourceID, targetID
	if firstID > secondID {
		firstID, secondID = secondID, firstID
	}

	first, err := lockPool(ctx, tx, firstID)
	if err != nil {
		return 0, err
	}
	second, err := lockPool(ctx, tx, secondID)
	if err != nil {
		return 0, err
	}

	source, target := first, second
	if source.ID != sourceID {
		source, target = second, first
	}

	if !source.Status.IsJoinable() && source.Status != model.PoolStatusLocked {
		return 0, fmt.Errorf("%w: source pool in status %s", ErrInvalidState, source.Status)
	}
	if !target.Status.IsJoinable() {
		return 0, fmt.Errorf("%w: target pool in status %s", ErrInvalidState, target.Status)
	}

	if source.CurrentCount+target.CurrentCount > target.MaxCandidates {
		return 0, ErrPoolFull
	}

	sourceModules, err := activeModules(ctx, tx, sourceID)
	if err != nil {
		return 0, err
	}
	targetModules, err := activeModules(ctx, tx, targetID)
	if err != nil {
		return 0, err
	}
	for m := range sourceModules {
		targetModules[m] = struct{}{}
	}
	if len(targetModules) > model.MaxDistinctModules {
		return 0, ErrModuleLimitExceeded
	}

	var overlap bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM pool_memberships s
		   JOIN pool_memberships t ON t.student_id = s.student_id
		   WHERE s.pool_id = $1 AND t.pool_id = $2
		     AND s.status <> $3 AND t.status <> $3
		 )`,
		sourceID, targetID, string(model.MembershipStatusCancelled),
	).Scan(&overlap)
	if err != nil {
		return 0, fmt.Errorf("check overlap: %w", err)
	}
	if overlap {
		return 0, ErrAlreadyJoined
	}

	tag, err := tx.Exec(ctx,
		`UPDATE pool_memberships SET pool_id = $2 WHERE pool_id = $1 AND status <> $3`,
		sourceID, targetID, string(model.MembershipStatusCancelled),
	)
	if err != nil {
		return 0, fmt.Errorf("move memberships: %w", err)
	}
	moved := int(tag.RowsAffected())

	if _, err := recalculateCount(ctx, tx, target); err != nil {
		return 0, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE exam_pools SET status = $2, current_count = 0 WHERE id = $1`,
		sourceID, string(model.PoolStatusCancelled),
	)
	if err != nil {
		return 0, fmt.Errorf("cancel source pool: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return moved, nil
}

// FindMergeCandidates возвращает пары живых пулов, соседних по дате экзамена.
func (r *PostgresRepository) FindMergeCandidates(ctx context.Context) ([]model.MergeCandidate, error) {
	pools, err := r.ListJoinablePools(ctx)
	if err != nil {
		return nil, err
	}

	return proposeMerges(pools), nil
}

// proposeMerges строит предложения по объединению из пулов, отсортированных
// по дате экзамена. Пара предлагается, только если суммарное число участников
// помещается в целевой пул; источник — менее заполненный из двух.
func proposeMerges(pools []model.ExamPool) []model.MergeCandidate {
	var res []model.MergeCandidate
	for i := 0; i+1 < len(pools); i++ {
		source, target := pools[i], pools[i+1]
		if source.CurrentCount > target.CurrentCount {
			source, target = target, source
		}
		if source.CurrentCount+target.CurrentCount > target.MaxCandidates {
			continue
		}
		res = append(res, model.MergeCandidate{SourceID: source.ID, TargetID: target.ID})
	}

	return res
}

// GetExpiredMemberships возвращает участия с истёкшими активными резервированиями.
func (r *PostgresRepository) GetExpiredMemberships(ctx context.Context, limit int) ([]model.Membership, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT m.id, m.token, m.pool_id, m.student_id, m.modules, m.reservation_id,
		        m.price_cents, m.status, m.created_at
		 FROM pool_memberships m
		 JOIN wallet_reservations res ON res.id = m.reservation_id
		 WHERE m.status = $1 AND res.status = $2 AND res.expires_at <= now()
		 ORDER BY res.expires_at
		 LIMIT $3`,
		string(model.MembershipStatusSoftJoined), string(model.ReservationStatusActive), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select expired memberships: %w", err)
	}
	defer rows.Close()

	var res []model.Membership
	for rows.Next() {
		var m model.Membership
		var status string
		if err := rows.Scan(&m.ID, &m.Token, &m.PoolID, &m.StudentID, &m.Modules,
			&m.ReservationID, &m.PriceCents, &status, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		m.Status = model.MembershipStatus(status)
		res = append(res, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ReleaseExpiredMembership отменяет участие с истёкшим резервированием и
// возвращает средства. Участие, успевшее подтвердиться или отмениться,
// не трогается; в этом случае возвращается false.
func (r *PostgresRepository) ReleaseExpiredMembership(ctx context.Context, membershipID int64) (bool, error) {
	var released bool
	err := r.withRetry(ctx, func() error {
		var err error
		released, err = r.releaseExpiredTx(ctx, membershipID)
		return err
	})
	return released, err
}

func (r *PostgresRepository) releaseExpiredTx(ctx context.Context, membershipID int64) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var poolID, studentID int64
	err = tx.QueryRow(ctx,
		`SELECT pool_id, student_id FROM pool_memberships WHERE id = $1`,
		membershipID,
	).Scan(&poolID, &studentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrMembershipNotFound
		}
		return false, fmt.Errorf("select membership: %w", err)
	}

	p, err := lockPool(ctx, tx, poolID)
	if err != nil {
		return false, err
	}

	var reservationID int64
	var status string
	var expired bool
	err = tx.QueryRow(ctx,
		`SELECT m.reservation_id, m.status, res.expires_at <= now() AND res.status = $2
		 FROM pool_memberships m
		 JOIN wallet_reservations res ON res.id = m.reservation_id
		 WHERE m.id = $1
		 FOR UPDATE OF m`,
		membershipID, string(model.ReservationStatusActive),
	).Scan(&reservationID, &status, &expired)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrMembershipNotFound
		}
		return false, fmt.Errorf("select membership: %w", err)
	}

	// Между выборкой кандидатов и этой транзакцией участие могло подтвердиться или отмениться.
	if model.MembershipStatus(status) != model.MembershipStatusSoftJoined || !expired {
		return false, nil
	}

	released, err := releaseReservation(ctx, tx, reservationID, "reservation expired")
	if err != nil {
		return false, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE pool_memberships SET status = $2 WHERE id = $1`,
		membershipID, string(model.MembershipStatusCancelled),
	)
	if err != nil {
		return false, fmt.Errorf("update membership: %w", err)
	}

	if err := setPoolFill(ctx, tx, p, p.CurrentCount-1); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}

	return released, nil
}
