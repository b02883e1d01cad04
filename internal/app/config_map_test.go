package app

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewwatch/internal/config"
	"reviewwatch/internal/scheduler"
	"reviewwatch/internal/transport"
	"reviewwatch/pkg/logx"
)

func baseConfig() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{
			Enabled:      true,
			Token:        "123:abc",
			OwnerUserIDs: []int64{7, 8},
			GroupLog:     -100,
		},
		PollService: config.PollServiceConfig{BaseURL: "http://127.0.0.1:5000"},
	}
}

func TestNotifierDefaultsToOwners(t *testing.T) {
	cfg := baseConfig()
	n, err := mapNotifierConfig(cfg)
	require.NoError(t, err)
	assert.True(t, n.Enabled)
	assert.Equal(t, 10*time.Minute, n.DedupWindow)
	assert.Equal(t, []transport.ChatTarget{{ChatID: 7}, {ChatID: 8}}, n.Targets)

	cfg.Telegram.NotifyChatIDs = []int64{-42}
	cfg.Telegram.NotifyThreadID = 3
	n, err = mapNotifierConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, []transport.ChatTarget{{ChatID: -42, ThreadID: 3}}, n.Targets)
}

func TestNotifierOffWithoutTelegram(t *testing.T) {
	cfg := baseConfig()
	cfg.Telegram.Enabled = false
	n, err := mapNotifierConfig(cfg)
	require.NoError(t, err)
	assert.False(t, n.Enabled)
}

func TestNotifierSectionDurations(t *testing.T) {
	cfg := baseConfig()
	cfg.Notifier = &config.NotifierConfig{Enabled: true, RetryBase: "250ms", DedupWindow: "1h"}
	n, err := mapNotifierConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, n.RetryBase)
	assert.Equal(t, time.Hour, n.DedupWindow)

	cfg.Notifier.RetryBase = "soon"
	_, err = mapNotifierConfig(cfg)
	assert.ErrorContains(t, err, "notifier.retry_base")
}

func TestStorageMapping(t *testing.T) {
	cfg := baseConfig()
	_, enabled, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.False(t, enabled)

	cfg.Storage = &config.StorageConfig{Driver: "SQLite", Path: "x.db"}
	sc, enabled, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, time.Second, sc.BusyTimeout)

	cfg.Storage = &config.StorageConfig{Driver: "sqlite"}
	_, _, err = mapStorageConfig(cfg)
	assert.Error(t, err)

	cfg.Storage = &config.StorageConfig{Driver: "redis"}
	_, _, err = mapStorageConfig(cfg)
	assert.Error(t, err)
}

func TestPatternsOverlay(t *testing.T) {
	cfg := baseConfig()
	p, err := mapPatterns(cfg)
	require.NoError(t, err)
	assert.Equal(t, "https://track.authorhub.elsevier.com/?uuid=%s", p.CanonicalTemplate)

	cfg.Tracker.TrackerPatterns = []string{"/api/v2/tracker/"}
	p, err = mapPatterns(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"/api/v2/tracker/"}, p.Tracker)

	cfg.Tracker.CanonicalTemplate = "https://example/?uuid="
	_, err = mapPatterns(cfg)
	assert.Error(t, err)
}

func TestTimingDefaults(t *testing.T) {
	cfg := baseConfig()
	tm, err := mapTiming(cfg)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, tm.persistEvery)
	assert.Equal(t, 30*time.Minute, tm.syncEvery)
	assert.Equal(t, 15*time.Second, tm.fetchTimeout)

	cfg.Monitor.SyncEvery = "5m"
	tm, err = mapTiming(cfg)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, tm.syncEvery)
}

func TestLogChatNeedsTarget(t *testing.T) {
	cfg := baseConfig()
	cfg.Logging.Telegram.Enabled = true
	assert.True(t, mapLogConfig(cfg).Chat.Enabled)
	assert.Equal(t, int64(-100), mapLogConfig(cfg).Chat.ChatID)

	cfg.Telegram.GroupLog = 0
	assert.False(t, mapLogConfig(cfg).Chat.Enabled)
}

func TestAPIConfigDefaultsTimeout(t *testing.T) {
	cfg := baseConfig()
	cfg.API = config.APIConfig{Enabled: true, Token: "t"}
	a, err := mapAPIConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, a.RequestTimeout)
	assert.Equal(t, "t", a.Token)
}

func TestMinimalConfigStillRunsSweeps(t *testing.T) {
	cfg, err := config.Decode("config.yaml", []byte("poll_service:\n  base_url: http://127.0.0.1:5000\nmonitor:\n  sync_every: 50ms\n"))
	require.NoError(t, err)
	require.NoError(t, validateMapped(cfg))

	scfg := mapSchedulerConfig(cfg)
	require.True(t, scfg.Enabled)
	tm, err := mapTiming(cfg)
	require.NoError(t, err)

	var runs atomic.Int32
	s := scheduler.New(scfg, logx.Nop(), nil)
	require.NoError(t, s.AddInterval(jobSync, tm.syncEvery, 0, func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	assert.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 10*time.Millisecond)
}
