package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/config"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/redis"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/resilience"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ========================================
// MOCKS
// ========================================

type mockRepository struct {
	mock.Mock
}

func (m *mockRepository) GetSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	args := m.Called(ctx, userID)
	sub, _ := args.Get(0).(*Subscription)
	return sub, args.Error(1)
}

func (m *mockRepository) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	args := m.Called(ctx, sub)
	return args.Error(0)
}

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) ResolveTier(ctx context.Context, userID uuid.UUID) (string, error) {
	args := m.Called(ctx, userID)
	return args.String(0), args.Error(1)
}

type mockRetriever struct {
	mock.Mock
}

func (m *mockRetriever) RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	args := m.Called(ctx, id)
	sub, _ := args.Get(0).(*stripe.Subscription)
	return sub, args.Error(1)
}

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func newCache(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	return redis.Wrap(goredis.NewClient(&goredis.Options{Addr: s.Addr()})), s
}

func ptr[T any](v T) *T { return &v }

// ----------------------------------------
// Subscription
// ----------------------------------------

func TestSubscription_IsActive(t *testing.T) {
	past := fixedNow.Add(-time.Hour)
	future := fixedNow.Add(time.Hour)

	tests := []struct {
		name string
		sub  *Subscription
		want bool
	}{
		{"nil", nil, false},
		{"active open ended", &Subscription{Status: StatusActive}, true},
		{"trialing in period", &Subscription{Status: StatusTrialing, CurrentPeriodEnd: &future}, true},
		{"active period over", &Subscription{Status: StatusActive, CurrentPeriodEnd: &past}, false},
		{"past due", &Subscription{Status: StatusPastDue}, false},
		{"canceled", &Subscription{Status: StatusCanceled, CurrentPeriodEnd: &future}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.IsActive(fixedNow))
		})
	}
}

// ----------------------------------------
// DatabaseResolver
// ----------------------------------------

func TestDatabaseResolver_ResolveTier(t *testing.T) {
	userID := uuid.New()
	past := fixedNow.Add(-time.Minute)

	tests := []struct {
		name    string
		sub     *Subscription
		err     error
		want    string
		wantErr bool
	}{
		{"no subscription", nil, ErrSubscriptionNotFound, config.TierFree, false},
		{"active professional", &Subscription{Tier: "professional", Status: StatusActive}, nil, config.TierProfessional, false},
		{"expired period", &Subscription{Tier: "starter", Status: StatusActive, CurrentPeriodEnd: &past}, nil, config.TierFree, false},
		{"canceled", &Subscription{Tier: "enterprise", Status: StatusCanceled}, nil, config.TierFree, false},
		{"tier unknown to policy", &Subscription{Tier: "platinum", Status: StatusActive}, nil, config.TierFree, false},
		{"mixed case tier", &Subscription{Tier: "Starter", Status: StatusActive}, nil, config.TierStarter, false},
		{"storage error", nil, errors.New("connection refused"), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(mockRepository)
			repo.On("GetSubscription", mock.Anything, userID).Return(tt.sub, tt.err)

			r := NewDatabaseResolver(repo, config.DefaultPolicy()).WithNow(clock)
			got, err := r.ResolveTier(context.Background(), userID)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// ----------------------------------------
// StripeResolver
// ----------------------------------------

func stripeSub(status stripe.SubscriptionStatus, priceID, lookupKey string, periodEnd time.Time) *stripe.Subscription {
	return &stripe.Subscription{
		ID:     "sub_123",
		Status: status,
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{
					Price:            &stripe.Price{ID: priceID, LookupKey: lookupKey},
					CurrentPeriodEnd: periodEnd.Unix(),
				},
			},
		},
	}
}

func TestStripeResolver_ActiveSubscription(t *testing.T) {
	userID := uuid.New()
	repo := new(mockRepository)
	retriever := new(mockRetriever)

	repo.On("GetSubscription", mock.Anything, userID).Return(&Subscription{
		UserID:               userID,
		Tier:                 "starter",
		Status:               StatusActive,
		StripeSubscriptionID: ptr("sub_123"),
	}, nil)
	retriever.On("RetrieveSubscription", mock.Anything, "sub_123").
		Return(stripeSub(stripe.SubscriptionStatusActive, "price_pro", "", fixedNow.Add(30*24*time.Hour)), nil)
	repo.On("UpsertSubscription", mock.Anything, mock.MatchedBy(func(s *Subscription) bool {
		return s.Tier == "professional" && s.Status == StatusActive && s.CurrentPeriodEnd != nil
	})).Return(nil)

	r := NewStripeResolver(repo, retriever, map[string]string{"price_pro": "professional"}, config.DefaultPolicy()).WithNow(clock)

	tier, err := r.ResolveTier(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, config.TierProfessional, tier)
	repo.AssertExpectations(t)
}

func TestStripeResolver_LookupKeyMapping(t *testing.T) {
	userID := uuid.New()
	repo := new(mockRepository)
	retriever := new(mockRetriever)

	repo.On("GetSubscription", mock.Anything, userID).Return(&Subscription{
		Tier: "starter", Status: StatusActive, StripeSubscriptionID: ptr("sub_123"),
	}, nil)
	retriever.On("RetrieveSubscription", mock.Anything, "sub_123").
		Return(stripeSub(stripe.SubscriptionStatusTrialing, "price_unmapped", "enterprise_monthly", fixedNow.Add(time.Hour)), nil)
	repo.On("UpsertSubscription", mock.Anything, mock.Anything).Return(errors.New("write failed"))

	r := NewStripeResolver(repo, retriever, map[string]string{"enterprise_monthly": "enterprise"}, config.DefaultPolicy()).WithNow(clock)

	tier, err := r.ResolveTier(context.Background(), userID)
	require.NoError(t, err, "a failed write back does not fail resolution")
	assert.Equal(t, config.TierEnterprise, tier)
}

func TestStripeResolver_CanceledFallsToDefault(t *testing.T) {
	userID := uuid.New()
	repo := new(mockRepository)
	retriever := new(mockRetriever)

	repo.On("GetSubscription", mock.Anything, userID).Return(&Subscription{
		Tier: "professional", Status: StatusActive, StripeSubscriptionID: ptr("sub_123"),
	}, nil)
	retriever.On("RetrieveSubscription", mock.Anything, "sub_123").
		Return(stripeSub(stripe.SubscriptionStatusCanceled, "price_pro", "", fixedNow.Add(time.Hour)), nil)
	repo.On("UpsertSubscription", mock.Anything, mock.MatchedBy(func(s *Subscription) bool {
		return s.Status == StatusCanceled
	})).Return(nil)

	r := NewStripeResolver(repo, retriever, map[string]string{"price_pro": "professional"}, config.DefaultPolicy()).WithNow(clock)

	tier, err := r.ResolveTier(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, config.TierFree, tier)
}

func TestStripeResolver_NoStripeIDUsesStoredTier(t *testing.T) {
	userID := uuid.New()
	repo := new(mockRepository)
	retriever := new(mockRetriever)

	repo.On("GetSubscription", mock.Anything, userID).Return(&Subscription{Tier: "starter", Status: StatusActive}, nil)

	r := NewStripeResolver(repo, retriever, nil, config.DefaultPolicy()).WithNow(clock)

	tier, err := r.ResolveTier(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, config.TierStarter, tier)
	retriever.AssertNotCalled(t, "RetrieveSubscription", mock.Anything, mock.Anything)
}

func TestStripeResolver_StripeErrorIsReturned(t *testing.T) {
	userID := uuid.New()
	repo := new(mockRepository)
	retriever := new(mockRetriever)

	repo.On("GetSubscription", mock.Anything, userID).Return(&Subscription{
		Tier: "starter", Status: StatusActive, StripeSubscriptionID: ptr("sub_123"),
	}, nil)
	retriever.On("RetrieveSubscription", mock.Anything, "sub_123").Return(nil, errors.New("stripe unavailable"))

	r := NewStripeResolver(repo, retriever, nil, config.DefaultPolicy()).WithNow(clock)

	_, err := r.ResolveTier(context.Background(), userID)
	assert.ErrorContains(t, err, "stripe unavailable")
}

// ----------------------------------------
// CachedResolver
// ----------------------------------------

func TestCachedResolver_CacheHitSkipsResolver(t *testing.T) {
	cache, s := newCache(t)
	userID := uuid.New()
	next := new(mockResolver)
	repo := new(mockRepository)

	require.NoError(t, s.Set(tierCacheKeyPrefix+userID.String(), `{"tier":"starter"}`))

	r := NewCachedResolver(next, repo, cache, time.Minute, config.DefaultPolicy())
	tier, err := r.ResolveTier(context.Background(), userID)

	require.NoError(t, err)
	assert.Equal(t, "starter", tier)
	next.AssertNotCalled(t, "ResolveTier", mock.Anything, mock.Anything)
}

func TestCachedResolver_MissPopulatesCache(t *testing.T) {
	cache, s := newCache(t)
	userID := uuid.New()
	next := new(mockResolver)
	repo := new(mockRepository)
	next.On("ResolveTier", mock.Anything, userID).Return("professional", nil).Once()

	r := NewCachedResolver(next, repo, cache, 5*time.Minute, config.DefaultPolicy())

	for i := 0; i < 3; i++ {
		tier, err := r.ResolveTier(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, "professional", tier)
	}

	key := tierCacheKeyPrefix + userID.String()
	assert.True(t, s.Exists(key))
	assert.Equal(t, 5*time.Minute, s.TTL(key))
	next.AssertNumberOfCalls(t, "ResolveTier", 1)

	require.NoError(t, r.Invalidate(context.Background(), userID))
	assert.False(t, s.Exists(key))
}

func TestCachedResolver_FallbackChain(t *testing.T) {
	tests := []struct {
		name string
		sub  *Subscription
		err  error
		want string
	}{
		{"stored active tier", &Subscription{Tier: "professional", Status: StatusActive}, nil, config.TierProfessional},
		{"stored canceled tier", &Subscription{Tier: "professional", Status: StatusCanceled}, nil, config.TierFree},
		{"nothing stored", nil, ErrSubscriptionNotFound, config.TierFree},
		{"storage also down", nil, errors.New("db down"), config.TierFree},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			userID := uuid.New()
			next := new(mockResolver)
			repo := new(mockRepository)
			next.On("ResolveTier", mock.Anything, userID).Return("", errors.New("stripe down"))
			repo.On("GetSubscription", mock.Anything, userID).Return(tt.sub, tt.err)

			r := NewCachedResolver(next, repo, nil, time.Minute, config.DefaultPolicy()).WithRetry(fastRetry())
			tier, err := r.ResolveTier(context.Background(), userID)

			require.NoError(t, err)
			assert.Equal(t, tt.want, tier)
		})
	}
}

func TestCachedResolver_BreakerStopsCallingFailingResolver(t *testing.T) {
	cache, _ := newCache(t)
	userID := uuid.New()
	next := new(mockResolver)
	repo := new(mockRepository)
	next.On("ResolveTier", mock.Anything, userID).Return("", errors.New("stripe down"))
	repo.On("GetSubscription", mock.Anything, userID).Return(nil, ErrSubscriptionNotFound)

	r := NewCachedResolver(next, repo, cache, time.Minute, config.DefaultPolicy()).WithRetry(fastRetry())

	// retries count towards the breaker; the open breaker is never retried
	for i := 0; i < 8; i++ {
		tier, err := r.ResolveTier(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, config.TierFree, tier)
	}

	next.AssertNumberOfCalls(t, "ResolveTier", 5)
}

func fastRetry() resilience.RetryConfig {
	cfg := TierLookupRetry()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = time.Millisecond
	return cfg
}

func TestCachedResolver_RetriesTransientFailure(t *testing.T) {
	userID := uuid.New()
	next := new(mockResolver)
	repo := new(mockRepository)
	next.On("ResolveTier", mock.Anything, userID).Return("", errors.New("connection reset")).Once()
	next.On("ResolveTier", mock.Anything, userID).Return("starter", nil).Once()

	r := NewCachedResolver(next, repo, nil, time.Minute, config.DefaultPolicy()).WithRetry(fastRetry())
	tier, err := r.ResolveTier(context.Background(), userID)

	require.NoError(t, err)
	assert.Equal(t, config.TierStarter, tier)
	next.AssertNumberOfCalls(t, "ResolveTier", 2)
	repo.AssertNotCalled(t, "GetSubscription", mock.Anything, mock.Anything)
}

func TestCachedResolver_StripeClientErrorNotRetried(t *testing.T) {
	userID := uuid.New()
	next := new(mockResolver)
	repo := new(mockRepository)
	notFound := fmt.Errorf("retrieve stripe subscription: %w", &stripe.Error{HTTPStatusCode: http.StatusNotFound})
	next.On("ResolveTier", mock.Anything, userID).Return("", notFound)
	repo.On("GetSubscription", mock.Anything, userID).Return(&Subscription{Tier: "professional", Status: StatusActive}, nil)

	r := NewCachedResolver(next, repo, nil, time.Minute, config.DefaultPolicy()).WithRetry(fastRetry())
	tier, err := r.ResolveTier(context.Background(), userID)

	require.NoError(t, err)
	assert.Equal(t, config.TierProfessional, tier)
	next.AssertNumberOfCalls(t, "ResolveTier", 1)
}

func TestTransientLookupError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", &stripe.Error{HTTPStatusCode: http.StatusTooManyRequests}, true},
		{"stripe outage", fmt.Errorf("wrapped: %w", &stripe.Error{HTTPStatusCode: http.StatusServiceUnavailable}), true},
		{"bad request", &stripe.Error{HTTPStatusCode: http.StatusBadRequest}, false},
		{"unknown subscription", &stripe.Error{HTTPStatusCode: http.StatusNotFound}, false},
		{"network error", errors.New("dial tcp: i/o timeout"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, transientLookupError(tt.err))
		})
	}
}

// ----------------------------------------
// Handler
// ----------------------------------------

func TestHandler_UpdateSubscription(t *testing.T) {
	cache, s := newCache(t)
	userID := uuid.New()
	repo := new(mockRepository)
	next := new(mockResolver)
	resolver := NewCachedResolver(next, repo, cache, time.Minute, config.DefaultPolicy())
	require.NoError(t, s.Set(tierCacheKeyPrefix+userID.String(), `{"tier":"free"}`))

	repo.On("UpsertSubscription", mock.Anything, mock.MatchedBy(func(sub *Subscription) bool {
		return sub.UserID == userID && sub.Tier == "starter" && sub.StripeSubscriptionID != nil && *sub.StripeSubscriptionID == "sub_9"
	})).Return(nil)

	router := gin.New()
	NewHandler(repo, resolver).RegisterRoutes(router.Group("/internal/v1"))

	tests := []struct {
		name       string
		body       map[string]interface{}
		wantStatus int
	}{
		{"valid", map[string]interface{}{"user_id": userID.String(), "tier": "starter", "status": "active", "stripe_subscription_id": "sub_9"}, http.StatusOK},
		{"bad status", map[string]interface{}{"user_id": userID.String(), "tier": "starter", "status": "paused"}, http.StatusBadRequest},
		{"bad user id", map[string]interface{}{"user_id": "nope", "tier": "starter", "status": "active"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(tt.body)
			req := httptest.NewRequest(http.MethodPost, "/internal/v1/subscriptions", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}

	assert.False(t, s.Exists(tierCacheKeyPrefix+userID.String()))
	repo.AssertNumberOfCalls(t, "UpsertSubscription", 1)
}

// ----------------------------------------
// Repository
// ----------------------------------------

var subCols = []string{"user_id", "tier", "status", "stripe_subscription_id", "current_period_end", "updated_at"}

func TestRepository_GetSubscription(t *testing.T) {
	mockDB, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockDB.Close()

	userID := uuid.New()
	mockDB.ExpectQuery("FROM user_subscriptions").WithArgs(userID).
		WillReturnRows(pgxmock.NewRows(subCols).AddRow(userID, "starter", StatusActive, nil, nil, fixedNow))

	sub, err := NewRepository(mockDB).GetSubscription(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, "starter", sub.Tier)
	assert.Equal(t, StatusActive, sub.Status)
	assert.Nil(t, sub.StripeSubscriptionID)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestRepository_GetSubscriptionNotFound(t *testing.T) {
	mockDB, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockDB.Close()

	userID := uuid.New()
	mockDB.ExpectQuery("FROM user_subscriptions").WithArgs(userID).WillReturnRows(pgxmock.NewRows(subCols))

	_, err = NewRepository(mockDB).GetSubscription(context.Background(), userID)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestRepository_UpsertSubscription(t *testing.T) {
	mockDB, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockDB.Close()

	sub := &Subscription{UserID: uuid.New(), Tier: "starter", Status: StatusActive, UpdatedAt: fixedNow}
	mockDB.ExpectExec("INSERT INTO user_subscriptions").
		WithArgs(sub.UserID, sub.Tier, sub.Status, sub.StripeSubscriptionID, sub.CurrentPeriodEnd, sub.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, NewRepository(mockDB).UpsertSubscription(context.Background(), sub))
	assert.NoError(t, mockDB.ExpectationsWereMet())
}
