package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/persona-gateway/internal/models"
	"github.com/xaenox/persona-gateway/internal/storage"
	"go.uber.org/zap"
)

type recordingNotifier struct {
	mu     sync.Mutex
	warns  []int
	banned []int64
}

func (n *recordingNotifier) Warn(userID int64, count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.warns = append(n.warns, count)
}

func (n *recordingNotifier) Banned(userID int64, ban models.Ban) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.banned = append(n.banned, userID)
}

type failingBans struct {
	*storage.MemoryStorage
	createErr error
}

func (f *failingBans) CreateBan(ctx context.Context, ban *models.Ban) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.MemoryStorage.CreateBan(ctx, ban)
}

var base = time.Date(2024, 5, 1, 12, 30, 5, 0, time.UTC)

func TestLimiter_BansOnSixthCall(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	notifier := &recordingNotifier{}
	l := NewLimiter(Config{Limit: 5}, store, notifier, zap.NewNop())

	for i := 1; i <= 5; i++ {
		d, err := l.Admit(ctx, 1, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.Equal(t, Allowed, d, "call %d", i)
	}

	d, err := l.Admit(ctx, 1, base.Add(6*time.Second))
	require.NoError(t, err)
	assert.Equal(t, DeniedBanned, d)

	ban, err := store.FindBan(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, ban)
	assert.Equal(t, 24, ban.DurationHours)
	assert.Equal(t, base.Add(6*time.Second), ban.BannedAt)
	assert.Equal(t, []int64{1}, notifier.banned)

	_, watched := l.Snapshot(1)
	assert.False(t, watched, "activity record must be dropped once banned")

	d, err = l.Admit(ctx, 1, base.Add(7*time.Second))
	require.NoError(t, err)
	assert.Equal(t, DeniedBanned, d)
	_, watched = l.Snapshot(1)
	assert.False(t, watched, "ban path must not touch activity state")
	assert.Len(t, notifier.banned, 1)
}

func TestLimiter_WarnsExactlyOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	notifier := &recordingNotifier{}
	l := NewLimiter(Config{Limit: 5, WarnThreshold: 4}, storage.NewMemoryStorage(), notifier, zap.NewNop())

	for i := 0; i < 6; i++ {
		_, err := l.Admit(ctx, 1, base)
		require.NoError(t, err)
	}

	assert.Equal(t, []int{4}, notifier.warns)
}

func TestLimiter_DefaultWarnThreshold(t *testing.T) {
	t.Parallel()
	notifier := &recordingNotifier{}
	l := NewLimiter(Config{Limit: 5}, storage.NewMemoryStorage(), notifier, zap.NewNop())

	for i := 0; i < 4; i++ {
		_, err := l.Admit(context.Background(), 1, base)
		require.NoError(t, err)
	}

	assert.Equal(t, []int{3}, notifier.warns)
}

func TestLimiter_ResetsOnNewWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewLimiter(Config{Limit: 5}, storage.NewMemoryStorage(), nil, zap.NewNop())

	for i := 0; i < 4; i++ {
		_, err := l.Admit(ctx, 1, base)
		require.NoError(t, err)
	}
	rec, _ := l.Snapshot(1)
	assert.Equal(t, 4, rec.Count)

	d, err := l.Admit(ctx, 1, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, Allowed, d)

	rec, ok := l.Snapshot(1)
	require.True(t, ok)
	assert.Equal(t, 1, rec.Count)
	assert.Equal(t, 12*60+31, rec.WindowMinute)
}

func TestLimiter_BanPersistenceFailureIsFatal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bans := &failingBans{MemoryStorage: storage.NewMemoryStorage(), createErr: errors.New("db down")}
	notifier := &recordingNotifier{}
	l := NewLimiter(Config{Limit: 1}, bans, notifier, zap.NewNop())

	d, err := l.Admit(ctx, 1, base)
	require.NoError(t, err)
	assert.Equal(t, Allowed, d)

	d, err = l.Admit(ctx, 1, base)
	require.Error(t, err)
	assert.True(t, d.Denied())
	assert.Empty(t, notifier.banned)

	rec, ok := l.Snapshot(1)
	require.True(t, ok, "activity must survive a failed ban")
	assert.Equal(t, 2, rec.Count)

	bans.createErr = nil
	d, err = l.Admit(ctx, 1, base)
	require.NoError(t, err)
	assert.Equal(t, DeniedBanned, d)
}

func TestLimiter_ConcurrentUsers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewLimiter(Config{Limit: 1000}, storage.NewMemoryStorage(), nil, zap.NewNop())

	var wg sync.WaitGroup
	for user := int64(1); user <= 4; user++ {
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(user int64) {
				defer wg.Done()
				_, _ = l.Admit(ctx, user, base)
			}(user)
		}
	}
	wg.Wait()

	for user := int64(1); user <= 4; user++ {
		rec, ok := l.Snapshot(user)
		require.True(t, ok)
		assert.Equal(t, 50, rec.Count)
	}
}

func TestDecision_String(t *testing.T) {
	assert.Equal(t, "allowed", Allowed.String())
	assert.Equal(t, "banned", DeniedBanned.String())
	assert.True(t, DeniedRateLimited.Denied())
	assert.False(t, Allowed.Denied())
}

func TestLimiter_SweepLiftsExpiredBans(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	store := storage.NewMemoryStorage()
	l := NewLimiter(Config{Limit: 5}, store, nil, zap.NewNop())

	require.NoError(t, store.CreateBan(ctx, &models.Ban{UserID: 1, BannedAt: time.Now().Add(-25 * time.Hour), DurationHours: 24}))
	require.NoError(t, store.CreateBan(ctx, &models.Ban{UserID: 2, BannedAt: time.Now(), DurationHours: 24}))

	done := make(chan error, 1)
	go func() { done <- l.SweepExpiredBans(ctx, 10*time.Millisecond) }()

	assert.Eventually(t, func() bool {
		ban, err := store.FindBan(context.Background(), 1)
		return err == nil && ban == nil
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	d, err := l.Admit(context.Background(), 1, base)
	require.NoError(t, err)
	assert.Equal(t, Allowed, d)

	d, err = l.Admit(context.Background(), 2, base)
	require.NoError(t, err)
	assert.Equal(t, DeniedBanned, d)
}
