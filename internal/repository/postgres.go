// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/exampool-system/internal/model"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrStudentExists возвращается при попытке создать студента с уже существующим логином.
var (
	ErrStudentExists = errors.New("student already exists")
	// ErrStudentNotFound возвращается, если студент не найден.
	ErrStudentNotFound = errors.New("student not found")
	// ErrWalletNotFound возвращается, если кошелёк не найден.
	ErrWalletNotFound = errors.New("wallet not found")
	// ErrReservationNotFound возвращается, если резервирование не найдено.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrInsufficientFunds возвращается при попытке зарезервировать сумму, превышающую доступный баланс.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrPoolNotFound возвращается, если пул не найден.
	ErrPoolNotFound = errors.New("pool not found")
	// ErrPoolClosed возвращается при попытке вступить в пул, не принимающий участников.
	ErrPoolClosed = errors.New("pool closed")
	// ErrDeadlinePassed возвращается, если срок вступления в пул истёк.
	ErrDeadlinePassed = errors.New("join deadline passed")
	// ErrPoolFull возвращается, если пул заполнен до максимума.
	ErrPoolFull = errors.New("pool full")
	// ErrModuleLimitExceeded возвращается, если число различных модулей в пуле превысит лимит.
	ErrModuleLimitExceeded = errors.New("module limit exceeded")
	// ErrAlreadyJoined возвращается, если студент уже состоит в пуле.
	ErrAlreadyJoined = errors.New("student already joined pool")
	// ErrMembershipNotFound возвращается, если участие студента в пуле не найдено.
	ErrMembershipNotFound = errors.New("membership not found")
	// ErrInvalidState возвращается при операции над сущностью в недопустимом статусе.
	ErrInvalidState = errors.New("invalid state")
	// ErrBelowMinimum возвращается при подтверждении пула с недобором участников.
	ErrBelowMinimum = errors.New("pool below minimum candidates")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет транзакцию при сбоях сериализации, дедлоках и сетевых ошибках.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateStudent создаёт нового студента.
func (r *PostgresRepository) CreateStudent(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO students (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrStudentExists, login)
		}
		return 0, fmt.Errorf("create student: %w", err)
	}
	return id, nil
}

// GetStudentByLogin возвращает студента по логину.
func (r *PostgresRepository) GetStudentByLogin(ctx context.Context, login string) (*model.Student, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, is_staff, created_at FROM students WHERE login = $1`,
		login,
	)

	var s model.Student
	err := row.Scan(&s.ID, &s.Login, &s.PasswordHash, &s.IsStaff, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStudentNotFound
		}
		return nil, fmt.Errorf("get student: %w", err)
	}

	return &s, nil
}

// GetBalance возвращает доступный и зарезервированный баланс студента в центах.
// Кошелёк создаётся лениво при первом обращении.
func (r *PostgresRepository) GetBalance(ctx context.Context, studentID int64) (int64, int64, error) {
	var available, reserved int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO wallets (student_id) VALUES ($1)
		 ON CONFLICT (student_id) DO UPDATE SET student_id = EXCLUDED.student_id
		 RETURNING available_cents, reserved_cents`,
		studentID,
	).Scan(&available, &reserved)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return 0, 0, ErrStudentNotFound
		}
		return 0, 0, fmt.Errorf("get balance: %w", err)
	}

	return available, reserved, nil
}

// TopUp пополняет доступный баланс студента на указанную сумму.
func (r *PostgresRepository) TopUp(ctx context.Context, studentID int64, amountCents int64) error {
	return r.withRetry(ctx, func() error {
		return r.topUpTx(ctx, studentID, amountCents)
	})
}

func (r *PostgresRepository) topUpTx(ctx context.Context, studentID int64, amountCents int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	w, err := lockWallet(ctx, tx, studentID)
	if err != nil {
		return err
	}

	b := walletBalance{available: w.AvailableCents, reserved: w.ReservedCents}.topUp(amountCents)
	if err := updateWalletBalance(ctx, tx, w.ID, b); err != nil {
		return err
	}

	err = appendTransaction(ctx, tx, w.ID, amountCents, model.TransactionTypeTopUp,
		"wallet top-up", b.available, b.reserved)
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// lockWallet блокирует строку кошелька студента, создавая кошелёк при первом обращении.
func lockWallet(ctx context.Context, tx pgx.Tx, studentID int64) (*model.Wallet, error) {
	_, err := tx.Exec(ctx,
		`INSERT INTO wallets (student_id) VALUES ($1) ON CONFLICT (student_id) DO NOTHING`,
		studentID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return nil, ErrStudentNotFound
		}
		return nil, fmt.Errorf("ensure wallet: %w", err)
	}

	var w model.Wallet
	err = tx.QueryRow(ctx,
		`SELECT id, student_id, available_cents, reserved_cents, created_at
		 FROM wallets WHERE student_id = $1 FOR UPDATE`,
		studentID,
	).Scan(&w.ID, &w.StudentID, &w.AvailableCents, &w.ReservedCents, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("lock wallet: %w", err)
	}

	return &w, nil
}

// lockWalletByID блокирует строку кошелька по идентификатору.
func lockWalletByID(ctx context.Context, tx pgx.Tx, walletID int64) (*model.Wallet, error) {
	var w model.Wallet
	err := tx.QueryRow(ctx,
		`SELECT id, student_id, available_cents, reserved_cents, created_at
		 FROM wallets WHERE id = $1 FOR UPDATE`,
		walletID,
	).Scan(&w.ID, &w.StudentID, &w.AvailableCents, &w.ReservedCents, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("lock wallet: %w", err)
	}

	return &w, nil
}

func updateWalletBalance(ctx context.Context, tx pgx.Tx, walletID int64, b walletBalance) error {
	_, err := tx.Exec(ctx,
		`UPDATE wallets SET available_cents = $2, reserved_cents = $3 WHERE id = $1`,
		walletID, b.available, b.reserved,
	)
	if err != nil {
		return fmt.Errorf("update wallet: %w", err)
	}
	return nil
}

// appendTransaction добавляет запись в журнал операций кошелька.
func appendTransaction(ctx context.Context, tx pgx.Tx, walletID, amountCents int64,
	typ model.TransactionType, description string, availableAfter, reservedAfter int64) error {

	_, err := tx.Exec(ctx,
		`INSERT INTO wallet_transactions (wallet_id, amount_cents, type, description, available_after, reserved_after)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		walletID, amountCents, string(typ), description, availableAfter, reservedAfter,
	)
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

// reserveFunds удерживает сумму с доступного баланса кошелька внутри транзакции
// и создаёт активное резервирование.
func reserveFunds(ctx context.Context, tx pgx.Tx, w *model.Wallet, amountCents int64,
	purpose string, ttl time.Duration) (int64, error) {

	b, err := walletBalance{available: w.AvailableCents, reserved: w.ReservedCents}.reserve(amountCents)
	if err != nil {
		return 0, err
	}

	if err := updateWalletBalance(ctx, tx, w.ID, b); err != nil {
		return 0, err
	}

	var reservationID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO wallet_reservations (wallet_id, amount_cents, purpose, expires_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		w.ID, amountCents, purpose, time.Now().Add(ttl),
	).Scan(&reservationID)
	if err != nil {
		return 0, fmt.Errorf("insert reservation: %w", err)
	}

	err = appendTransaction(ctx, tx, w.ID, -amountCents, model.TransactionTypeReserve,
		purpose, b.available, b.reserved)
	if err != nil {
		return 0, err
	}

	return reservationID, nil
}

// lockedReservation — строка резервирования, заблокированная внутри транзакции.
type lockedReservation struct {
	id          int64
	walletID    int64
	amountCents int64
	status      model.ReservationStatus
}

func lockReservation(ctx context.Context, tx pgx.Tx, reservationID int64) (*lockedReservation, error) {
	var res lockedReservation
	var status string
	err := tx.QueryRow(ctx,
		`SELECT id, wallet_id, amount_cents, status
		 FROM wallet_reservations WHERE id = $1 FOR UPDATE`,
		reservationID,
	).Scan(&res.id, &res.walletID, &res.amountCents, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, fmt.Errorf("lock reservation: %w", err)
	}

	res.status = model.ReservationStatus(status)
	return &res, nil
}

// captureReservation переводит активное резервирование в CAPTURED: средства
// окончательно покидают зарезервированный баланс. Повторный захват — no-op.
// Возвращает true, если средства действительно были списаны.
func captureReservation(ctx context.Context, tx pgx.Tx, reservationID int64, description string) (bool, error) {
	res, err := lockReservation(ctx, tx, reservationID)
	if err != nil {
		return false, err
	}

	apply, err := captureTransition(res.status)
	if err != nil {
		return false, fmt.Errorf("reservation %d: %w", reservationID, err)
	}
	if !apply {
		return false, nil
	}

	_, err = tx.Exec(ctx,
		`UPDATE wallet_reservations SET status = $2, captured_at = now() WHERE id = $1`,
		res.id, string(model.ReservationStatusCaptured),
	)
	if err != nil {
		return false, fmt.Errorf("capture reservation: %w", err)
	}

	w, err := lockWalletByID(ctx, tx, res.walletID)
	if err != nil {
		return false, err
	}

	b := walletBalance{available: w.AvailableCents, reserved: w.ReservedCents}.capture(res.amountCents)
	if err := updateWalletBalance(ctx, tx, w.ID, b); err != nil {
		return false, err
	}

	err = appendTransaction(ctx, tx, res.walletID, -res.amountCents,
		model.TransactionTypeCapture, description, b.available, b.reserved)
	if err != nil {
		return false, err
	}

	return true, nil
}

// releaseReservation возвращает средства активного резервирования на доступный
// баланс. Повторный возврат — no-op. Возвращает true, если средства
// действительно вернулись на доступный баланс.
func releaseReservation(ctx context.Context, tx pgx.Tx, reservationID int64, description string) (bool, error) {
	res, err := lockReservation(ctx, tx, reservationID)
	if err != nil {
		return false, err
	}

	apply, err := releaseTransition(res.status)
	if err != nil {
		return false, fmt.Errorf("reservation %d: %w", reservationID, err)
	}
	if !apply {
		return false, nil
	}

	_, err = tx.Exec(ctx,
		`UPDATE wallet_reservations SET status = $2, released_at = now() WHERE id = $1`,
		res.id, string(model.ReservationStatusReleased),
	)
	if err != nil {
		return false, fmt.Errorf("release reservation: %w", err)
	}

	w, err := lockWalletByID(ctx, tx, res.walletID)
	if err != nil {
		return false, err
	}

	b := walletBalance{available: w.AvailableCents, reserved: w.ReservedCents}.release(res.amountCents)
	if err := updateWalletBalance(ctx, tx, w.ID, b); err != nil {
		return false, err
	}

	err = appendTransaction(ctx, tx, res.walletID, res.amountCents,
		model.TransactionTypeRelease, description, b.available, b.reserved)
	if err != nil {
		return false, err
	}

	return true, nil
}

// GetTransactionsByStudent возвращает историю операций кошелька студента.
func (r *PostgresRepository) GetTransactionsByStudent(ctx context.Context, studentID int64) ([]model.WalletTransaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT t.id, t.wallet_id, t.amount_cents, t.type, t.description,
		        t.available_after, t.reserved_after, t.created_at
		 FROM wallet_transactions t
		 JOIN wallets w ON w.id = t.wallet_id
		 WHERE w.student_id = $1
		 ORDER BY t.created_at DESC, t.id DESC`,
		studentID,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.WalletTransaction
	for rows.Next() {
		var t model.WalletTransaction
		var typ string
		if err := rows.Scan(&t.ID, &t.WalletID, &t.AmountCents, &typ, &t.Description,
			&t.AvailableAfter, &t.ReservedAfter, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Type = model.TransactionType(typ)
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
