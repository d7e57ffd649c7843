package fraud

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// ========================================
// MOCKS
// ========================================

type mockRepository struct {
	mock.Mock
}

func (m *mockRepository) CreateActivity(ctx context.Context, a *SuspiciousActivity) error {
	args := m.Called(ctx, a)
	return args.Error(0)
}

func (m *mockRepository) ListUnresolved(ctx context.Context, limit, offset int) ([]*SuspiciousActivity, int64, error) {
	args := m.Called(ctx, limit, offset)
	out, _ := args.Get(0).([]*SuspiciousActivity)
	return out, args.Get(1).(int64), args.Error(2)
}

func (m *mockRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*SuspiciousActivity, int64, error) {
	args := m.Called(ctx, userID, limit, offset)
	out, _ := args.Get(0).([]*SuspiciousActivity)
	return out, args.Get(1).(int64), args.Error(2)
}

func (m *mockRepository) Resolve(ctx context.Context, id, resolvedBy uuid.UUID, notes string, at time.Time) (*SuspiciousActivity, error) {
	args := m.Called(ctx, id, resolvedBy, notes, at)
	a, _ := args.Get(0).(*SuspiciousActivity)
	return a, args.Error(1)
}

type published struct {
	key   string
	value interface{}
}

type recordingPublisher struct {
	events []published
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, key string, value interface{}) error {
	p.events = append(p.events, published{key: key, value: value})
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// ----------------------------------------
// ActivityLog
// ----------------------------------------

func TestActivityLog_RecordStoresAndPublishes(t *testing.T) {
	repo := new(mockRepository)
	pub := &recordingPublisher{}
	log := NewActivityLog(repo, pub).WithNow(func() time.Time { return fixedNow })

	userID := uuid.New()
	repo.On("CreateActivity", mock.Anything, mock.MatchedBy(func(a *SuspiciousActivity) bool {
		return a.ID != uuid.Nil && a.DetectedAt.Equal(fixedNow) && a.Details != nil
	})).Return(nil)

	log.Record(context.Background(), &SuspiciousActivity{
		UserID:       &userID,
		ActivityType: ActivityElevatedRisk,
		Severity:     SeverityMedium,
		IPAddress:    directIP,
	})

	repo.AssertExpectations(t)
	require.Len(t, pub.events, 1)
	assert.Equal(t, userID.String(), pub.events[0].key)
	event, ok := pub.events[0].value.(ActivityEvent)
	require.True(t, ok)
	assert.Equal(t, EventSuspiciousActivity, event.Type)
	assert.Equal(t, fixedNow, event.OccurredAt)
}

func TestActivityLog_StoreFailureStillPublishes(t *testing.T) {
	repo := new(mockRepository)
	pub := &recordingPublisher{}
	log := NewActivityLog(repo, pub)

	repo.On("CreateActivity", mock.Anything, mock.Anything).Return(errors.New("connection refused"))

	assert.NotPanics(t, func() {
		log.Record(context.Background(), &SuspiciousActivity{ActivityType: ActivityBlockedIP, IPAddress: bannedIP})
	})

	require.Len(t, pub.events, 1)
	assert.Equal(t, bannedIP, pub.events[0].key, "anonymous activities are keyed by address")
}

func TestActivityLog_PublishFailureIsSwallowed(t *testing.T) {
	repo := new(mockRepository)
	pub := &recordingPublisher{err: errors.New("broker down")}
	log := NewActivityLog(repo, pub)

	repo.On("CreateActivity", mock.Anything, mock.Anything).Return(nil)

	assert.NotPanics(t, func() {
		log.Record(context.Background(), &SuspiciousActivity{ActivityType: ActivityBlockedIP, IPAddress: bannedIP})
	})
	repo.AssertNumberOfCalls(t, "CreateActivity", 1)
}

func TestActivityLog_NilPublisher(t *testing.T) {
	repo := new(mockRepository)
	repo.On("CreateActivity", mock.Anything, mock.Anything).Return(nil)

	log := NewActivityLog(repo, nil)
	log.Record(context.Background(), &SuspiciousActivity{ActivityType: ActivityBlockedIP, IPAddress: bannedIP})

	repo.AssertExpectations(t)
}

func TestActivityLog_ResolveUsesClock(t *testing.T) {
	repo := new(mockRepository)
	log := NewActivityLog(repo, nil).WithNow(func() time.Time { return fixedNow })

	id, admin := uuid.New(), uuid.New()
	repo.On("Resolve", mock.Anything, id, admin, "false alarm", fixedNow).
		Return(&SuspiciousActivity{ID: id, Resolved: true}, nil)

	a, err := log.Resolve(context.Background(), id, admin, "false alarm")
	require.NoError(t, err)
	assert.True(t, a.Resolved)
}

// ----------------------------------------
// Repository
// ----------------------------------------

var activityCols = []string{
	"id", "user_id", "activity_type", "severity", "description", "ip_address", "risk_score",
	"details", "detected_at", "resolved", "resolved_at", "resolved_by", "notes",
}

func TestRepository_CreateActivity(t *testing.T) {
	mockDB, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockDB.Close()

	userID := uuid.New()
	a := &SuspiciousActivity{
		ID:           uuid.New(),
		UserID:       &userID,
		ActivityType: ActivityCriticalRisk,
		Severity:     SeverityCritical,
		Description:  ReasonHighRisk,
		IPAddress:    torIP,
		RiskScore:    95,
		Details:      map[string]interface{}{"risk_band": "critical"},
		DetectedAt:   fixedNow,
	}

	mockDB.ExpectExec("INSERT INTO suspicious_activities").
		WithArgs(a.ID, a.UserID, a.ActivityType, a.Severity, a.Description, a.IPAddress, a.RiskScore,
			[]byte(`{"risk_band":"critical"}`), a.DetectedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, NewRepository(mockDB).CreateActivity(context.Background(), a))
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestRepository_ListUnresolved(t *testing.T) {
	mockDB, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockDB.Close()

	userID := uuid.New()
	mockDB.ExpectQuery("SELECT COUNT").WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(2)))
	mockDB.ExpectQuery("WHERE resolved = FALSE").WithArgs(20, 0).
		WillReturnRows(pgxmock.NewRows(activityCols).
			AddRow(uuid.New(), &userID, ActivityCriticalRisk, SeverityCritical, "x", torIP, 95,
				[]byte(`{"risk_band":"critical"}`), fixedNow, false, nil, nil, "").
			AddRow(uuid.New(), nil, ActivityBlockedIP, SeverityHigh, "y", bannedIP, 0,
				[]byte(`{}`), fixedNow.Add(-time.Hour), false, nil, nil, ""))

	activities, total, err := NewRepository(mockDB).ListUnresolved(context.Background(), 20, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, activities, 2)
	assert.Equal(t, SeverityCritical, activities[0].Severity)
	assert.Equal(t, "critical", activities[0].Details["risk_band"])
	assert.Nil(t, activities[1].UserID)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestRepository_ResolveNotFound(t *testing.T) {
	mockDB, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockDB.Close()

	id, admin := uuid.New(), uuid.New()
	mockDB.ExpectQuery("UPDATE suspicious_activities").WithArgs(id, admin, fixedNow, "").
		WillReturnRows(pgxmock.NewRows(activityCols))

	_, err = NewRepository(mockDB).Resolve(context.Background(), id, admin, "", fixedNow)
	assert.ErrorIs(t, err, ErrActivityNotFound)
}

func TestRepository_Resolve(t *testing.T) {
	mockDB, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockDB.Close()

	id, admin := uuid.New(), uuid.New()
	resolvedAt := fixedNow
	mockDB.ExpectQuery("UPDATE suspicious_activities").WithArgs(id, admin, fixedNow, "checked").
		WillReturnRows(pgxmock.NewRows(activityCols).
			AddRow(id, nil, ActivityElevatedRisk, SeverityMedium, "z", vpnIP, 30,
				[]byte(`{}`), fixedNow.Add(-time.Hour), true, &resolvedAt, &admin, "checked"))

	a, err := NewRepository(mockDB).Resolve(context.Background(), id, admin, "checked", fixedNow)
	require.NoError(t, err)
	assert.True(t, a.Resolved)
	require.NotNil(t, a.ResolvedBy)
	assert.Equal(t, admin, *a.ResolvedBy)
	assert.Equal(t, "checked", a.Notes)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}
