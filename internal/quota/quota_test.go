package quota

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bloodyteeths/nabavkidata-sub003/pkg/config"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ========================================
// IN-MEMORY REPOSITORY
// ========================================

// memRepo applies the same conditions as the SQL statements under one lock
type memRepo struct {
	mu     sync.Mutex
	states map[uuid.UUID]State
	err    error
}

func newMemRepo() *memRepo {
	return &memRepo{states: make(map[uuid.UUID]State)}
}

func (m *memRepo) Get(_ context.Context, userID uuid.UUID) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	st, ok := m.states[userID]
	if !ok {
		return nil, ErrStateNotFound
	}
	return &st, nil
}

func (m *memRepo) Create(ctx context.Context, st *State) (*State, error) {
	m.mu.Lock()
	if m.err != nil {
		m.mu.Unlock()
		return nil, m.err
	}
	if _, ok := m.states[st.UserID]; !ok {
		m.states[st.UserID] = *st
	}
	m.mu.Unlock()
	return m.Get(ctx, st.UserID)
}

func (m *memRepo) Consume(_ context.Context, userID uuid.UUID, now, nextDaily, nextMonthly time.Time, dailyLimit, monthlyLimit int) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	st, ok := m.states[userID]
	if !ok || st.IsBlocked || (st.Status != StatusTrialActive && st.Status != StatusPaidActive) {
		return nil, ErrLimitReached
	}
	daily, monthly := st.DailyUsed(now), st.MonthlyUsed(now)
	if (dailyLimit >= 0 && daily >= dailyLimit) || (monthlyLimit >= 0 && monthly >= monthlyLimit) {
		return nil, ErrLimitReached
	}
	if !now.Before(st.DailyResetAt) {
		st.DailyResetAt = nextDaily
	}
	if !now.Before(st.MonthlyResetAt) {
		st.MonthlyResetAt = nextMonthly
	}
	st.DailyCount, st.MonthlyCount = daily+1, monthly+1
	st.UpdatedAt = now
	m.states[userID] = st
	return &st, nil
}

func (m *memRepo) ExpireTrial(_ context.Context, userID uuid.UUID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[userID]; ok && st.Status == StatusTrialActive {
		st.Status = StatusTrialExpired
		st.UpdatedAt = now
		m.states[userID] = st
	}
	return nil
}

func (m *memRepo) ExpireTrials(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, st := range m.states {
		if st.Status == StatusTrialActive && st.TrialEnd() != nil && now.After(*st.TrialEnd()) {
			st.Status = StatusTrialExpired
			m.states[id] = st
			n++
		}
	}
	return n, nil
}

func (m *memRepo) Block(_ context.Context, userID uuid.UUID, reason string, now time.Time) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[userID]
	if !ok {
		return nil, ErrStateNotFound
	}
	if !st.IsBlocked {
		st.BlockReason, st.BlockedAt = reason, &now
	}
	st.IsBlocked, st.Status = true, StatusBlocked
	m.states[userID] = st
	return &st, nil
}

func (m *memRepo) ApplyTierChange(_ context.Context, userID uuid.UUID, ch TierChange) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[userID]
	if !ok {
		return nil, ErrStateNotFound
	}
	st.Tier, st.Status = ch.Tier, ch.Status
	st.TrialStartedAt, st.TrialLengthDays = ch.TrialStartedAt, ch.TrialLengthDays
	if ch.ClearBlock {
		st.IsBlocked, st.BlockReason, st.BlockedAt = false, "", nil
	}
	if ch.ResetCounters {
		st.DailyCount, st.MonthlyCount = 0, 0
		st.DailyResetAt, st.MonthlyResetAt = ch.DailyResetAt, ch.MonthlyResetAt
	}
	m.states[userID] = st
	return &st, nil
}

// ----------------------------------------
// Helpers
// ----------------------------------------

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

var start = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func newTestService(repo RepositoryInterface) (*Service, *clock) {
	clk := &clock{t: start}
	svc := NewService(repo, config.DefaultPolicy(), "/pricing").WithNow(clk.now)
	return svc, clk
}

// ----------------------------------------
// Provisioning
// ----------------------------------------

func TestService_Provision(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		tier       string
		wantStatus Status
		trialDays  int
	}{
		{config.TierFree, StatusTrialActive, 14},
		{config.TierStarter, StatusPaidActive, 0},
		{config.TierEnterprise, StatusPaidActive, 0},
	}

	for _, tt := range tests {
		t.Run(tt.tier, func(t *testing.T) {
			svc, _ := newTestService(newMemRepo())
			st, err := svc.Provision(ctx, uuid.New(), tt.tier)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, st.Status)
			assert.Equal(t, tt.trialDays, st.TrialLengthDays)
			assert.Equal(t, time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC), st.DailyResetAt)
			assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), st.MonthlyResetAt)
		})
	}
}

func TestService_UnknownTierIsError(t *testing.T) {
	svc, _ := newTestService(newMemRepo())

	_, err := svc.Provision(context.Background(), uuid.New(), "platinum")
	assert.ErrorIs(t, err, config.ErrUnknownTier)

	_, err = svc.Evaluate(context.Background(), uuid.New(), "platinum")
	assert.ErrorIs(t, err, config.ErrUnknownTier)
}

// ----------------------------------------
// Evaluate / Consume
// ----------------------------------------

func TestService_FreeTierDailyLimit(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(newMemRepo())
	userID := uuid.New()

	for i := 0; i < 3; i++ {
		eval, err := svc.Evaluate(ctx, userID, config.TierFree)
		require.NoError(t, err)
		require.True(t, eval.Allowed, "request %d", i+1)
		_, err = svc.Consume(ctx, userID, config.TierFree)
		require.NoError(t, err)
	}

	eval, err := svc.Evaluate(ctx, userID, config.TierFree)
	require.NoError(t, err)
	assert.False(t, eval.Allowed)
	assert.Equal(t, "daily limit reached", eval.Reason)
	assert.Equal(t, "/pricing", eval.RedirectTo)

	_, err = svc.Consume(ctx, userID, config.TierFree)
	assert.ErrorIs(t, err, ErrLimitReached)
}

func TestService_ConcurrentConsumeNeverOvershoots(t *testing.T) {
	tests := []struct {
		tier     string
		requests int
		want     int
	}{
		{config.TierFree, 1, 1},
		{config.TierFree, 3, 3},
		{config.TierFree, 25, 3},
		{config.TierStarter, 12, 5},
		{config.TierProfessional, 50, 20},
		{config.TierEnterprise, 40, 40},
	}

	for _, tt := range tests {
		t.Run(tt.tier, func(t *testing.T) {
			ctx := context.Background()
			repo := newMemRepo()
			svc, _ := newTestService(repo)
			userID := uuid.New()
			_, err := svc.Provision(ctx, userID, tt.tier)
			require.NoError(t, err)

			var wg sync.WaitGroup
			for i := 0; i < tt.requests; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, _ = svc.Consume(ctx, userID, tt.tier)
				}()
			}
			wg.Wait()

			status, err := svc.Status(ctx, userID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, status.DailyUsed)
		})
	}
}

func TestService_MidnightReset(t *testing.T) {
	ctx := context.Background()
	svc, clk := newTestService(newMemRepo())
	userID := uuid.New()

	_, err := svc.Consume(ctx, userID, config.TierFree)
	require.ErrorIs(t, err, ErrLimitReached, "consume needs a provisioned row")

	_, err = svc.Provision(ctx, userID, config.TierFree)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = svc.Consume(ctx, userID, config.TierFree)
		require.NoError(t, err)
	}

	eval, err := svc.Evaluate(ctx, userID, config.TierFree)
	require.NoError(t, err)
	require.False(t, eval.Allowed)

	clk.set(time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC))

	eval, err = svc.Evaluate(ctx, userID, config.TierFree)
	require.NoError(t, err)
	assert.True(t, eval.Allowed)

	st, err := svc.Consume(ctx, userID, config.TierFree)
	require.NoError(t, err)
	assert.Equal(t, 1, st.DailyCount)
	assert.Equal(t, time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC), st.DailyResetAt)
}

func TestService_TrialBoundary(t *testing.T) {
	trialEnd := start.Add(14 * 24 * time.Hour)

	tests := []struct {
		name    string
		at      time.Time
		allowed bool
	}{
		{"one second before end", trialEnd.Add(-time.Second), true},
		{"exactly at end", trialEnd, true},
		{"one second after end", trialEnd.Add(time.Second), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			repo := newMemRepo()
			svc, clk := newTestService(repo)
			userID := uuid.New()
			_, err := svc.Provision(ctx, userID, config.TierFree)
			require.NoError(t, err)

			clk.set(tt.at)
			eval, err := svc.Evaluate(ctx, userID, config.TierFree)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, eval.Allowed)

			st, _ := repo.Get(ctx, userID)
			if tt.allowed {
				assert.Equal(t, StatusTrialActive, st.Status)
				return
			}
			assert.Equal(t, "trial expired", eval.Reason)
			assert.Equal(t, "/pricing", eval.RedirectTo)
			assert.Equal(t, StatusTrialExpired, st.Status)
		})
	}
}

func TestService_BlockAndUnblock(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	svc, _ := newTestService(repo)
	userID, admin := uuid.New(), uuid.New()
	_, err := svc.Provision(ctx, userID, config.TierFree)
	require.NoError(t, err)

	_, err = svc.Block(ctx, userID, "high risk activity detected")
	require.NoError(t, err)
	_, err = svc.Block(ctx, userID, "second reason")
	require.NoError(t, err)

	eval, err := svc.Evaluate(ctx, userID, config.TierFree)
	require.NoError(t, err)
	assert.False(t, eval.Allowed)
	assert.Equal(t, "account blocked: high risk activity detected", eval.Reason)

	_, err = svc.Consume(ctx, userID, config.TierFree)
	assert.ErrorIs(t, err, ErrLimitReached)

	st, err := svc.Unblock(ctx, userID, admin)
	require.NoError(t, err)
	assert.False(t, st.IsBlocked)
	assert.Equal(t, StatusTrialActive, st.Status)

	eval, err = svc.Evaluate(ctx, userID, config.TierFree)
	require.NoError(t, err)
	assert.True(t, eval.Allowed)
}

func TestService_BlockProvisionsUnknownUser(t *testing.T) {
	svc, _ := newTestService(newMemRepo())

	st, err := svc.Block(context.Background(), uuid.New(), "manual")
	require.NoError(t, err)
	assert.True(t, st.IsBlocked)
	assert.Equal(t, StatusBlocked, st.Status)
}

func TestService_UpgradeClearsBlockAndResetsCounters(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	svc, clk := newTestService(repo)
	userID := uuid.New()
	_, err := svc.Provision(ctx, userID, config.TierFree)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = svc.Consume(ctx, userID, config.TierFree)
		require.NoError(t, err)
	}
	_, err = svc.Block(ctx, userID, "fraud")
	require.NoError(t, err)

	clk.set(start.Add(20 * 24 * time.Hour))

	// The tier reported by billing is reconciled inside Evaluate.
	eval, err := svc.Evaluate(ctx, userID, config.TierStarter)
	require.NoError(t, err)
	assert.True(t, eval.Allowed)

	st, _ := repo.Get(ctx, userID)
	assert.Equal(t, config.TierStarter, st.Tier)
	assert.Equal(t, StatusPaidActive, st.Status)
	assert.False(t, st.IsBlocked)
	assert.Equal(t, 0, st.DailyCount)
}

func TestService_DowngradeKeepsBlock(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	svc, _ := newTestService(repo)
	userID := uuid.New()
	_, err := svc.Provision(ctx, userID, config.TierProfessional)
	require.NoError(t, err)
	_, err = svc.Block(ctx, userID, "fraud")
	require.NoError(t, err)

	st, err := svc.ChangeTier(ctx, userID, config.TierStarter)
	require.NoError(t, err)
	assert.True(t, st.IsBlocked)
	assert.Equal(t, StatusBlocked, st.Status)

	st, err = svc.ChangeTier(ctx, userID, config.TierFree)
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, st.Status)
	assert.Equal(t, 14, st.TrialLengthDays)
	require.NotNil(t, st.TrialStartedAt)
}

func TestService_DowngradeOfPaidAccountDatesTrialFromSignup(t *testing.T) {
	tests := []struct {
		name       string
		after      time.Duration
		wantStatus Status
	}{
		{name: "inside the first two weeks", after: 3 * 24 * time.Hour, wantStatus: StatusTrialActive},
		{name: "long after signup", after: 40 * 24 * time.Hour, wantStatus: StatusTrialExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			repo := newMemRepo()
			svc, clk := newTestService(repo)
			userID := uuid.New()
			_, err := svc.Provision(ctx, userID, config.TierProfessional)
			require.NoError(t, err)

			clk.set(start.Add(tt.after))
			st, err := svc.ChangeTier(ctx, userID, config.TierFree)
			require.NoError(t, err)

			require.NotNil(t, st.TrialStartedAt)
			assert.True(t, st.TrialStartedAt.Equal(start))
			assert.Equal(t, tt.wantStatus, st.Status)
		})
	}
}

func TestService_ExpireTrialsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	svc, clk := newTestService(repo)
	for i := 0; i < 3; i++ {
		_, err := svc.Provision(ctx, uuid.New(), config.TierFree)
		require.NoError(t, err)
	}
	_, err := svc.Provision(ctx, uuid.New(), config.TierStarter)
	require.NoError(t, err)

	clk.set(start.Add(15 * 24 * time.Hour))

	n, err := svc.ExpireTrials(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = svc.ExpireTrials(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestService_StorageFailureIsUnavailable(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	repo.err = errors.New("connection reset")
	svc, _ := newTestService(repo)

	_, err := svc.Evaluate(ctx, uuid.New(), config.TierFree)
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = svc.Consume(ctx, uuid.New(), config.TierFree)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestService_Status(t *testing.T) {
	ctx := context.Background()
	svc, clk := newTestService(newMemRepo())
	free, ent := uuid.New(), uuid.New()

	_, err := svc.Provision(ctx, ent, config.TierEnterprise)
	require.NoError(t, err)
	_, err = svc.Consume(ctx, ent, config.TierEnterprise)
	require.NoError(t, err)

	st, err := svc.Status(ctx, ent)
	require.NoError(t, err)
	assert.Equal(t, -1, st.DailyLimit)
	assert.Equal(t, -1, st.DailyRemaining)
	assert.Equal(t, 1, st.DailyUsed)
	assert.Nil(t, st.TrialEndDate)

	// unknown users are provisioned on the default tier
	st, err = svc.Status(ctx, free)
	require.NoError(t, err)
	assert.Equal(t, config.TierFree, st.Tier)
	assert.Equal(t, 3, st.DailyRemaining)
	require.NotNil(t, st.TrialEndDate)
	assert.Equal(t, start.Add(14*24*time.Hour), *st.TrialEndDate)

	clk.set(start.Add(15 * 24 * time.Hour))
	st, err = svc.Status(ctx, free)
	require.NoError(t, err)
	assert.True(t, st.TrialExpired)
}

// ----------------------------------------
// Handler
// ----------------------------------------

type staticResolver string

func (s staticResolver) ResolveTier(context.Context, uuid.UUID) (string, error) {
	return string(s), nil
}

func TestHandler_StatusRoutes(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	svc, _ := newTestService(repo)
	userID, admin := uuid.New(), uuid.New()
	_, err := svc.Provision(ctx, userID, config.TierFree)
	require.NoError(t, err)
	_, err = svc.Block(ctx, userID, "fraud")
	require.NoError(t, err)

	r := gin.New()
	caller := userID
	r.Use(func(c *gin.Context) {
		c.Set(middleware.UserIDKey, caller)
		c.Next()
	})
	NewHandler(svc, staticResolver(config.TierFree)).RegisterRoutes(r.Group("/api/v1/fraud"), r.Group("/api/v1/admin/fraud"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/fraud/rate-limit/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data RateLimitStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Data.IsBlocked)
	assert.Equal(t, "free", resp.Data.Tier)
	assert.Equal(t, 3, resp.Data.DailyLimit)

	caller = admin
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/admin/fraud/rate-limit/"+userID.String()+"/unblock", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Data.IsBlocked)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/admin/fraud/rate-limit/"+uuid.NewString()+"/unblock", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/admin/fraud/rate-limit/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ----------------------------------------
// Repository
// ----------------------------------------

var stateCols = []string{"user_id", "tier", "status", "daily_count", "daily_reset_at", "monthly_count", "monthly_reset_at",
	"trial_started_at", "trial_length_days", "is_blocked", "block_reason", "blocked_at", "created_at", "updated_at"}

func TestRepository_ConsumeLimitReached(t *testing.T) {
	mockDB, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockDB.Close()

	repo := NewRepository(mockDB)
	userID := uuid.New()
	next, nextMonth := NextDailyReset(start), NextMonthlyReset(start)

	mockDB.ExpectQuery("UPDATE rate_limit_states SET").
		WithArgs(userID, start, next, nextMonth, 3, -1).
		WillReturnRows(pgxmock.NewRows(stateCols))

	_, err = repo.Consume(context.Background(), userID, start, next, nextMonth, 3, -1)
	assert.ErrorIs(t, err, ErrLimitReached)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestRepository_ConsumeIncrements(t *testing.T) {
	mockDB, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockDB.Close()

	repo := NewRepository(mockDB)
	userID := uuid.New()
	next, nextMonth := NextDailyReset(start), NextMonthlyReset(start)

	mockDB.ExpectQuery("UPDATE rate_limit_states SET").
		WithArgs(userID, start, next, nextMonth, 3, -1).
		WillReturnRows(pgxmock.NewRows(stateCols).AddRow(
			userID, "free", StatusTrialActive, 2, next, 2, nextMonth,
			&start, 14, false, "", nil, start, start,
		))

	st, err := repo.Consume(context.Background(), userID, start, next, nextMonth, 3, -1)
	require.NoError(t, err)
	assert.Equal(t, 2, st.DailyCount)
	assert.Equal(t, StatusTrialActive, st.Status)
	assert.Equal(t, start, *st.TrialStartedAt)
}

func TestRepository_ExpireTrials(t *testing.T) {
	mockDB, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockDB.Close()

	repo := NewRepository(mockDB)

	mockDB.ExpectExec("SET status = 'trial_expired'").
		WithArgs(start).
		WillReturnResult(pgxmock.NewResult("UPDATE", 4))

	n, err := repo.ExpireTrials(context.Background(), start)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestRepository_GetNotFound(t *testing.T) {
	mockDB, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockDB.Close()

	repo := NewRepository(mockDB)
	userID := uuid.New()

	mockDB.ExpectQuery("FROM rate_limit_states").WithArgs(userID).WillReturnRows(pgxmock.NewRows(stateCols))

	_, err = repo.Get(context.Background(), userID)
	assert.ErrorIs(t, err, ErrStateNotFound)
}
