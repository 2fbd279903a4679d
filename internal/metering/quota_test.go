package metering

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"snapsage/internal/billing"
	"snapsage/internal/types"
)

// --- Mock QuotaStore ---

type mockQuotaStore struct {
	mock.Mock
}

func (m *mockQuotaStore) GetOrCreate(ctx context.Context, userID string, defaults *types.UsageQuota) (*types.UsageQuota, error) {
	args := m.Called(ctx, userID, defaults)
	if q := args.Get(0); q != nil {
		return q.(*types.UsageQuota), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockQuotaStore) Reset(ctx context.Context, userID string, nextReset time.Time) error {
	args := m.Called(ctx, userID, nextReset)
	return args.Error(0)
}

func (m *mockQuotaStore) Increment(ctx context.Context, userID string, quotaType types.QuotaType, tokens int64) (*types.UsageQuota, error) {
	args := m.Called(ctx, userID, quotaType, tokens)
	if q := args.Get(0); q != nil {
		return q.(*types.UsageQuota), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockQuotaStore) Reconfigure(ctx context.Context, userID string, next *types.UsageQuota) error {
	args := m.Called(ctx, userID, next)
	return args.Error(0)
}

func newTestQuotaService(store *mockQuotaStore, now time.Time) *QuotaService {
	svc := NewQuotaService(store, billing.NewStaticPlanRegistry(), nil)
	svc.now = func() time.Time { return now }
	return svc
}

func tokensPtr(n int64) *int64 { return &n }

// --- Snapshot / reset ---

func TestQuotaService_Snapshot_CreatesWithTierDefaults(t *testing.T) {
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	store := new(mockQuotaStore)
	svc := newTestQuotaService(store, now)

	created := &types.UsageQuota{
		UserID:             "user_1",
		QuotaType:          types.QuotaLifetime,
		LifetimeTokenLimit: tokensPtr(50_000),
	}
	store.On("GetOrCreate", mock.Anything, "user_1",
		mock.MatchedBy(func(d *types.UsageQuota) bool {
			return d.QuotaType == types.QuotaLifetime &&
				d.LifetimeTokenLimit != nil && *d.LifetimeTokenLimit == 50_000
		})).Return(created, nil)

	q, err := svc.Snapshot(context.Background(), "user_1", types.PlanStart)
	require.NoError(t, err)
	assert.Equal(t, types.QuotaLifetime, q.QuotaType)
	store.AssertExpectations(t)
}

func TestQuotaService_Snapshot_LifetimeNeverResets(t *testing.T) {
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	store := new(mockQuotaStore)
	svc := newTestQuotaService(store, now)

	// Reset date long past; lifetime counters must still survive.
	stored := &types.UsageQuota{
		UserID:             "user_1",
		QuotaType:          types.QuotaLifetime,
		MonthlyTokensUsed:  42_000,
		LifetimeTokenLimit: tokensPtr(50_000),
		QuotaResetDate:     now.AddDate(-1, 0, 0),
	}
	store.On("GetOrCreate", mock.Anything, "user_1", mock.Anything).Return(stored, nil)

	q, err := svc.Snapshot(context.Background(), "user_1", types.PlanStart)
	require.NoError(t, err)
	assert.Equal(t, int64(42_000), q.Used())
	store.AssertNotCalled(t, "Reset", mock.Anything, mock.Anything, mock.Anything)
}

func TestQuotaService_Snapshot_MonthlyResetDue(t *testing.T) {
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	store := new(mockQuotaStore)
	svc := newTestQuotaService(store, now)

	stored := &types.UsageQuota{
		UserID:            "user_1",
		QuotaType:         types.QuotaMonthly,
		MonthlyTokensUsed: 900_000,
		MonthlyTokenLimit: tokensPtr(1_500_000),
		QuotaResetDate:    time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
	wantNext := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	store.On("GetOrCreate", mock.Anything, "user_1", mock.Anything).Return(stored, nil)
	store.On("Reset", mock.Anything, "user_1", wantNext).Return(nil)

	q, err := svc.Snapshot(context.Background(), "user_1", types.PlanNormal)
	require.NoError(t, err)
	assert.Equal(t, int64(0), q.Used())
	assert.Equal(t, wantNext, q.QuotaResetDate)
	store.AssertExpectations(t)
}

func TestQuotaService_Snapshot_WeeklyResetKeepsAnniversary(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	store := new(mockQuotaStore)
	svc := newTestQuotaService(store, now)

	// Last reset 16 days ago; the anniversary advances in exact 7-day steps,
	// skipping the boundary already missed.
	lastReset := time.Date(2026, 8, 14, 9, 0, 0, 0, time.UTC)
	wantNext := lastReset.Add(21 * 24 * time.Hour)

	stored := &types.UsageQuota{
		UserID:           "user_1",
		QuotaType:        types.QuotaWeekly,
		WeeklyTokensUsed: 400_000,
		WeeklyTokenLimit: tokensPtr(1_000_000),
		QuotaResetDate:   lastReset,
	}
	store.On("GetOrCreate", mock.Anything, "user_1", mock.Anything).Return(stored, nil)
	store.On("Reset", mock.Anything, "user_1", wantNext).Return(nil)

	q, err := svc.Snapshot(context.Background(), "user_1", types.PlanPremium)
	require.NoError(t, err)
	assert.Equal(t, int64(0), q.WeeklyTokensUsed)
	assert.Equal(t, wantNext, q.QuotaResetDate)
}

func TestQuotaService_Snapshot_NoResetBeforeBoundary(t *testing.T) {
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	store := new(mockQuotaStore)
	svc := newTestQuotaService(store, now)

	stored := &types.UsageQuota{
		UserID:            "user_1",
		QuotaType:         types.QuotaMonthly,
		MonthlyTokensUsed: 10,
		QuotaResetDate:    time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
	}
	store.On("GetOrCreate", mock.Anything, "user_1", mock.Anything).Return(stored, nil)

	q, err := svc.Snapshot(context.Background(), "user_1", types.PlanNormal)
	require.NoError(t, err)
	assert.Equal(t, int64(10), q.Used())
	store.AssertNotCalled(t, "Reset", mock.Anything, mock.Anything, mock.Anything)
}

// --- Check ---

func TestQuotaService_Check_UnlimitedAlwaysAllows(t *testing.T) {
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	store := new(mockQuotaStore)
	svc := newTestQuotaService(store, now)

	stored := &types.UsageQuota{
		UserID:            "user_1",
		QuotaType:         types.QuotaMonthly,
		MonthlyTokensUsed: 99_000_000,
		QuotaResetDate:    now.AddDate(0, 1, 0),
	}
	store.On("GetOrCreate", mock.Anything, "user_1", mock.Anything).Return(stored, nil)

	err := svc.Check(context.Background(), "user_1", types.PlanInternal, 1_000_000)
	require.NoError(t, err)
}

func TestQuotaService_Check_DeniesOverLimit(t *testing.T) {
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	store := new(mockQuotaStore)
	svc := newTestQuotaService(store, now)

	stored := &types.UsageQuota{
		UserID:             "user_1",
		QuotaType:          types.QuotaLifetime,
		MonthlyTokensUsed:  45_000,
		LifetimeTokenLimit: tokensPtr(50_000),
	}
	store.On("GetOrCreate", mock.Anything, "user_1", mock.Anything).Return(stored, nil)

	err := svc.Check(context.Background(), "user_1", types.PlanStart, 10_000)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeLimitTokens, appErr.Code)
	assert.Equal(t, int64(45_000), appErr.Details["used"])
	assert.Equal(t, int64(50_000), appErr.Details["limit"])
}

func TestQuotaService_Check_AllowsExactFit(t *testing.T) {
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	store := new(mockQuotaStore)
	svc := newTestQuotaService(store, now)

	stored := &types.UsageQuota{
		UserID:             "user_1",
		QuotaType:          types.QuotaLifetime,
		MonthlyTokensUsed:  45_000,
		LifetimeTokenLimit: tokensPtr(50_000),
	}
	store.On("GetOrCreate", mock.Anything, "user_1", mock.Anything).Return(stored, nil)

	err := svc.Check(context.Background(), "user_1", types.PlanStart, 5_000)
	require.NoError(t, err)
}

// --- Reconfigure ---

func TestQuotaService_Reconfigure_PushesNewTierLimits(t *testing.T) {
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	store := new(mockQuotaStore)
	svc := newTestQuotaService(store, now)

	existing := &types.UsageQuota{
		UserID:            "user_1",
		QuotaType:         types.QuotaLifetime,
		MonthlyTokensUsed: 30_000,
		QuotaResetDate:    now.AddDate(0, 1, 0),
	}
	store.On("GetOrCreate", mock.Anything, "user_1", mock.Anything).Return(existing, nil)
	store.On("Reconfigure", mock.Anything, "user_1",
		mock.MatchedBy(func(next *types.UsageQuota) bool {
			return next.QuotaType == types.QuotaMonthly &&
				next.MonthlyTokenLimit != nil && *next.MonthlyTokenLimit == 5_000_000
		})).Return(nil)

	err := svc.Reconfigure(context.Background(), "user_1", types.PlanHigh)
	require.NoError(t, err)
	store.AssertExpectations(t)
}

// --- Reset arithmetic ---

func TestNextResetDate_MonthlyFirstOfNextMonth(t *testing.T) {
	now := time.Date(2026, 12, 20, 8, 30, 0, 0, time.UTC)
	next := nextResetDate(types.QuotaMonthly, time.Time{}, now)
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), next)
}

func TestNextResetDate_MonthlyShortMonths(t *testing.T) {
	now := time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC)
	next := nextResetDate(types.QuotaMonthly, time.Time{}, now)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), next)
}

func TestNextResetDate_WeeklySingleStep(t *testing.T) {
	last := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	now := last.Add(26 * time.Hour)
	next := nextResetDate(types.QuotaWeekly, last, now)
	assert.Equal(t, last.Add(7*24*time.Hour), next)
}
