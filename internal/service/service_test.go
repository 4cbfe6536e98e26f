package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/exampool-system/internal/model"
	"github.com/mmeshcher/exampool-system/internal/repository"
)

func TestHashPasswordDeterministic(t *testing.T) {
	a := hashPassword("student", "pass")
	b := hashPassword("student", "pass")
	c := hashPassword("student", "other")

	if string(a) != string(b) {
		t.Fatalf("hashPassword must be deterministic, got %x and %x", a, b)
	}
	if string(a) == string(c) {
		t.Fatalf("different passwords must produce different hashes")
	}
}

type stubRepo struct {
	createStudentID  int64
	createStudentErr error

	student    *model.Student
	studentErr error

	balanceAvailable int64
	balanceReserved  int64
	balanceErr       error

	topUpStudentID int64
	topUpAmount    int64
	topUpErr       error

	transactions []model.WalletTransaction

	pools []model.ExamPool

	createdPool   *model.ExamPool
	createPoolErr error

	joinModules    []string
	joinPrice      int64
	joinTTL        time.Duration
	joinMembership *model.Membership
	joinErr        error

	memberships []model.Membership

	confirmStudents []int64
	confirmErr      error

	failStudents []int64
	failErr      error

	cancelPoolStudents []int64

	recalcCount int

	mergeMoved int

	candidates []model.MergeCandidate

	expired     []model.Membership
	expiredErr  error
	releasedIDs []int64
	releaseNoop bool
	releaseErr  error
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateStudent(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	return s.createStudentID, s.createStudentErr
}

func (s *stubRepo) GetStudentByLogin(ctx context.Context, login string) (*model.Student, error) {
	return s.student, s.studentErr
}

func (s *stubRepo) GetBalance(ctx context.Context, studentID int64) (int64, int64, error) {
	return s.balanceAvailable, s.balanceReserved, s.balanceErr
}

func (s *stubRepo) TopUp(ctx context.Context, studentID int64, amountCents int64) error {
	s.topUpStudentID = studentID
	s.topUpAmount = amountCents
	return s.topUpErr
}

func (s *stubRepo) GetTransactionsByStudent(ctx context.Context, studentID int64) ([]model.WalletTransaction, error) {
	return s.transactions, nil
}

func (s *stubRepo) CreatePool(ctx context.Context, p model.ExamPool) (*model.ExamPool, error) {
	if s.createPoolErr != nil {
		return nil, s.createPoolErr
	}
	s.createdPool = &p
	return &p, nil
}

func (s *stubRepo) GetPool(ctx context.Context, poolID int64) (*model.ExamPool, error) {
	return nil, repository.ErrPoolNotFound
}

func (s *stubRepo) ListJoinablePools(ctx context.Context) ([]model.ExamPool, error) {
	return s.pools, nil
}

func (s *stubRepo) JoinPool(ctx context.Context, studentID, poolID int64, modules []string,
	priceCents int64, ttl time.Duration) (*model.Membership, error) {
	s.joinModules = modules
	s.joinPrice = priceCents
	s.joinTTL = ttl
	return s.joinMembership, s.joinErr
}

func (s *stubRepo) CancelMembership(ctx context.Context, studentID, poolID int64) error {
	return nil
}

func (s *stubRepo) GetMembershipsByStudent(ctx context.Context, studentID int64) ([]model.Membership, error) {
	return s.memberships, nil
}

func (s *stubRepo) ConfirmPool(ctx context.Context, poolID int64) ([]int64, error) {
	return s.confirmStudents, s.confirmErr
}

func (s *stubRepo) FailPool(ctx context.Context, poolID int64) ([]int64, error) {
	return s.failStudents, s.failErr
}

func (s *stubRepo) CancelPool(ctx context.Context, poolID int64) ([]int64, error) {
	return s.cancelPoolStudents, nil
}

func (s *stubRepo) LockPool(ctx context.Context, poolID int64) error     { return nil }
func (s *stubRepo) UnlockPool(ctx context.Context, poolID int64) error   { return nil }
func (s *stubRepo) CompletePool(ctx context.Context, poolID int64) error { return nil }

func (s *stubRepo) RecalculateCount(ctx context.Context, poolID int64) (int, error) {
	return s.recalcCount, nil
}

func (s *stubRepo) MergePools(ctx context.Context, sourceID, targetID int64) (int, error) {
	return s.mergeMoved, nil
}

func (s *stubRepo) FindMergeCandidates(ctx context.Context) ([]model.MergeCandidate, error) {
	return s.candidates, nil
}

func (s *stubRepo) GetExpiredMemberships(ctx context.Context, limit int) ([]model.Membership, error) {
	return s.expired, s.expiredErr
}

func (s *stubRepo) ReleaseExpiredMembership(ctx context.Context, membershipID int64) (bool, error) {
	if s.releaseErr != nil {
		return false, s.releaseErr
	}
	s.releasedIDs = append(s.releasedIDs, membershipID)
	return !s.releaseNoop, nil
}

type stubNotifier struct {
	confirmedPools []int64
	refundedPools  []int64
	students       [][]int64
	err            error
}

func (n *stubNotifier) PoolConfirmed(ctx context.Context, poolID int64, studentIDs []int64) error {
	n.confirmedPools = append(n.confirmedPools, poolID)
	n.students = append(n.students, studentIDs)
	return n.err
}

func (n *stubNotifier) SeatRefunded(ctx context.Context, poolID int64, studentIDs []int64) error {
	n.refundedPools = append(n.refundedPools, poolID)
	n.students = append(n.students, studentIDs)
	return n.err
}

func newTestService(repo *stubRepo, notifier Notifier) *Service {
	return NewService(repo, notifier, FlatModulePricing(30000), 72*time.Hour, zap.NewNop())
}

func TestRegisterStudent_PropagatesDuplicateError(t *testing.T) {
	repo := &stubRepo{
		createStudentErr: repository.ErrStudentExists,
	}
	svc := newTestService(repo, nil)

	_, err := svc.RegisterStudent(context.Background(), "login", "pass")
	if !errors.Is(err, repository.ErrStudentExists) {
		t.Fatalf("expected ErrStudentExists, got %v", err)
	}
}

func TestAuthenticateStudent_InvalidCredentials(t *testing.T) {
	hashed := hashPassword("student", "correct")
	repo := &stubRepo{
		student: &model.Student{
			ID:           1,
			Login:        "student",
			PasswordHash: hashed,
		},
	}

	svc := newTestService(repo, nil)

	_, err := svc.AuthenticateStudent(context.Background(), "student", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestAuthenticateStudent_ReturnsStaffFlag(t *testing.T) {
	hashed := hashPassword("admin", "pass")
	repo := &stubRepo{
		student: &model.Student{
			ID:           5,
			Login:        "admin",
			PasswordHash: hashed,
			IsStaff:      true,
		},
	}

	svc := newTestService(repo, nil)

	st, err := svc.AuthenticateStudent(context.Background(), "admin", "pass")
	if err != nil {
		t.Fatalf("AuthenticateStudent error: %v", err)
	}
	if !st.IsStaff {
		t.Fatalf("expected staff flag to survive authentication")
	}
}

func TestGetBalance_ConvertsToMajorUnits(t *testing.T) {
	repo := &stubRepo{
		balanceAvailable: 20000,
		balanceReserved:  30000,
	}
	svc := newTestService(repo, nil)

	balance, err := svc.GetBalance(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetBalance error: %v", err)
	}
	if balance.Available != 200 {
		t.Fatalf("Available = %v, want 200", balance.Available)
	}
	if balance.Reserved != 300 {
		t.Fatalf("Reserved = %v, want 300", balance.Reserved)
	}
}

func TestTopUp_Validation(t *testing.T) {
	svc := newTestService(&stubRepo{}, nil)

	if err := svc.TopUp(context.Background(), 1, -10); err == nil {
		t.Fatalf("expected error for negative sum")
	}
	if err := svc.TopUp(context.Background(), 1, 0); err == nil {
		t.Fatalf("expected error for zero sum")
	}
}

func TestTopUp_ConvertsToCents(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(repo, nil)

	if err := svc.TopUp(context.Background(), 1, 12.5); err != nil {
		t.Fatalf("TopUp error: %v", err)
	}
	if repo.topUpAmount != 1250 {
		t.Fatalf("topUpAmount = %d, want 1250", repo.topUpAmount)
	}

	// 10.10 не представимо в двоичной форме точно, сумма должна округляться.
	if err := svc.TopUp(context.Background(), 1, 10.10); err != nil {
		t.Fatalf("TopUp error: %v", err)
	}
	if repo.topUpAmount != 1010 {
		t.Fatalf("topUpAmount = %d, want 1010", repo.topUpAmount)
	}
}

func TestFlatModulePricing(t *testing.T) {
	pricing := FlatModulePricing(30000)

	if got := pricing([]string{"READING"}); got != 30000 {
		t.Fatalf("price for one module = %d, want 30000", got)
	}
	if got := pricing([]string{"READING", "WRITING", "SPEAKING"}); got != 90000 {
		t.Fatalf("price for three modules = %d, want 90000", got)
	}
}

func TestJoinPool_RejectsInvalidModules(t *testing.T) {
	svc := newTestService(&stubRepo{}, nil)

	tests := []struct {
		name    string
		modules []string
	}{
		{"empty", nil},
		{"bad code", []string{"re@ding"}},
		{"too many", []string{"AA", "BB", "CC", "DD", "EE"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.JoinPool(context.Background(), 1, 1, tt.modules)
			if !errors.Is(err, ErrInvalidModules) {
				t.Fatalf("expected ErrInvalidModules, got %v", err)
			}
		})
	}
}

func TestJoinPool_NormalizesModulesAndPrices(t *testing.T) {
	repo := &stubRepo{
		joinMembership: &model.Membership{ID: 1},
	}
	svc := newTestService(repo, nil)

	_, err := svc.JoinPool(context.Background(), 1, 1, []string{"writing", "READING", "Writing"})
	if err != nil {
		t.Fatalf("JoinPool error: %v", err)
	}

	if len(repo.joinModules) != 2 || repo.joinModules[0] != "READING" || repo.joinModules[1] != "WRITING" {
		t.Fatalf("joinModules = %v, want [READING WRITING]", repo.joinModules)
	}
	if repo.joinPrice != 60000 {
		t.Fatalf("joinPrice = %d, want 60000", repo.joinPrice)
	}
	if repo.joinTTL != 72*time.Hour {
		t.Fatalf("joinTTL = %v, want 72h", repo.joinTTL)
	}
}

func TestCreatePool_Validation(t *testing.T) {
	svc := newTestService(&stubRepo{}, nil)
	now := time.Now()

	valid := model.ExamPool{
		Name:            "June B2",
		ExamDate:        now.Add(30 * 24 * time.Hour),
		MinCandidates:   25,
		MaxCandidates:   28,
		JoinDeadline:    now.Add(20 * 24 * time.Hour),
		ConfirmDeadline: now.Add(25 * 24 * time.Hour),
	}

	tests := []struct {
		name   string
		mutate func(*model.ExamPool)
	}{
		{"empty name", func(p *model.ExamPool) { p.Name = "" }},
		{"zero min", func(p *model.ExamPool) { p.MinCandidates = 0 }},
		{"max below min", func(p *model.ExamPool) { p.MaxCandidates = 10 }},
		{"missing exam date", func(p *model.ExamPool) { p.ExamDate = time.Time{} }},
		{"join deadline after exam", func(p *model.ExamPool) { p.JoinDeadline = p.ExamDate.Add(time.Hour) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)

			_, err := svc.CreatePool(context.Background(), p)
			if !errors.Is(err, ErrInvalidPool) {
				t.Fatalf("expected ErrInvalidPool, got %v", err)
			}
		})
	}

	if _, err := svc.CreatePool(context.Background(), valid); err != nil {
		t.Fatalf("CreatePool error for valid pool: %v", err)
	}
}

func TestConfirmPool_NotifiesParticipants(t *testing.T) {
	repo := &stubRepo{
		confirmStudents: []int64{1, 2, 3},
	}
	notifier := &stubNotifier{}
	svc := newTestService(repo, notifier)

	if err := svc.ConfirmPool(context.Background(), 7); err != nil {
		t.Fatalf("ConfirmPool error: %v", err)
	}

	if len(notifier.confirmedPools) != 1 || notifier.confirmedPools[0] != 7 {
		t.Fatalf("confirmedPools = %v, want [7]", notifier.confirmedPools)
	}
	if len(notifier.students[0]) != 3 {
		t.Fatalf("students = %v, want 3 entries", notifier.students[0])
	}
}

func TestConfirmPool_NotificationFailureSwallowed(t *testing.T) {
	repo := &stubRepo{
		confirmStudents: []int64{1},
	}
	notifier := &stubNotifier{err: errors.New("webhook down")}
	svc := newTestService(repo, notifier)

	if err := svc.ConfirmPool(context.Background(), 1); err != nil {
		t.Fatalf("notification failure must not fail the confirm, got %v", err)
	}
}

func TestConfirmPool_PropagatesBelowMinimum(t *testing.T) {
	repo := &stubRepo{
		confirmErr: repository.ErrBelowMinimum,
	}
	notifier := &stubNotifier{}
	svc := newTestService(repo, notifier)

	err := svc.ConfirmPool(context.Background(), 1)
	if !errors.Is(err, repository.ErrBelowMinimum) {
		t.Fatalf("expected ErrBelowMinimum, got %v", err)
	}
	if len(notifier.confirmedPools) != 0 {
		t.Fatalf("no notification expected on failed confirm")
	}
}

func TestFailPool_NotifiesRefunds(t *testing.T) {
	repo := &stubRepo{
		failStudents: []int64{4, 5},
	}
	notifier := &stubNotifier{}
	svc := newTestService(repo, notifier)

	if err := svc.FailPool(context.Background(), 9); err != nil {
		t.Fatalf("FailPool error: %v", err)
	}

	if len(notifier.refundedPools) != 1 || notifier.refundedPools[0] != 9 {
		t.Fatalf("refundedPools = %v, want [9]", notifier.refundedPools)
	}
}

func TestSweepExpired_ReleasesAndNotifies(t *testing.T) {
	repo := &stubRepo{
		expired: []model.Membership{
			{ID: 10, PoolID: 1, StudentID: 100},
			{ID: 11, PoolID: 2, StudentID: 101},
		},
	}
	notifier := &stubNotifier{}
	svc := newTestService(repo, notifier)

	svc.sweepExpired(context.Background())

	if len(repo.releasedIDs) != 2 {
		t.Fatalf("releasedIDs = %v, want 2 entries", repo.releasedIDs)
	}
	if len(notifier.refundedPools) != 2 {
		t.Fatalf("refundedPools = %v, want 2 entries", notifier.refundedPools)
	}
}

func TestSweepExpired_NoNotificationWithoutRefund(t *testing.T) {
	// Участие подтвердилось между выборкой кандидатов и транзакцией возврата:
	// репозиторий сообщает, что средства не возвращались.
	repo := &stubRepo{
		expired:     []model.Membership{{ID: 10, PoolID: 3, StudentID: 42}},
		releaseNoop: true,
	}
	notifier := &stubNotifier{}
	svc := newTestService(repo, notifier)

	svc.sweepExpired(context.Background())

	if len(repo.releasedIDs) != 1 {
		t.Fatalf("releasedIDs = %v, want the release attempt", repo.releasedIDs)
	}
	if len(notifier.refundedPools) != 0 {
		t.Fatalf("refundedPools = %v, want none when no funds moved", notifier.refundedPools)
	}
}

func TestSweepExpired_ContinuesAfterReleaseError(t *testing.T) {
	repo := &stubRepo{
		expired:    []model.Membership{{ID: 10}, {ID: 11}},
		releaseErr: errors.New("db down"),
	}
	notifier := &stubNotifier{}
	svc := newTestService(repo, notifier)

	svc.sweepExpired(context.Background())

	if len(notifier.refundedPools) != 0 {
		t.Fatalf("no notifications expected when releases fail")
	}
}
