package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewwatch/pkg/logx"
)

const minimalJSON = `{
  "telegram": {"enabled": false, "token": "", "owner_user_ids": [], "poll_timeout": "10s"},
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""},
              "telegram": {"enabled": false, "thread_id": 0, "min_level": "", "rate_per_sec": 0}},
  "api": {"enabled": true, "addr": "127.0.0.1:0"},
  "tracker": {},
  "poll_service": {"base_url": "http://127.0.0.1:5000"},
  "monitor": {"sync_every": "30m"},
  "scheduler": {"timezone": "UTC"}
}`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestExampleConfigIsValid(t *testing.T) {
	t.Setenv(EnvTelegramToken, "123:abc")
	b, err := os.ReadFile("../../config.example.yaml")
	require.NoError(t, err)

	cfg, err := Decode("config.example.yaml", b)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "123:abc", cfg.Telegram.Token)
	assert.Equal(t, []string{"/tracker/"}, cfg.Tracker.TrackerPatterns)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"telegram": {"tokn": "x"}}`))
	assert.ErrorContains(t, err, "unknown field")

	_, err = Decode("c.yaml", []byte("monitor:\n  sync_evry: 1m\n"))
	assert.ErrorContains(t, err, "unknown field")

	_, err = Decode("c.json", []byte(`{} {}`))
	assert.ErrorContains(t, err, "trailing data")
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := &Config{
		Telegram:    TelegramConfig{Enabled: true},
		PollService: PollServiceConfig{BaseURL: "ftp://x"},
		Monitor:     MonitorConfig{SyncEvery: "soon"},
		Tracker:     TrackerConfig{CanonicalTemplate: "https://x/?id=", Timezone: "Mars/Base"},
		Storage:     &StorageConfig{Driver: "sqlite"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"telegram.token", "owner_user_ids", "poll_service.base_url", "monitor.sync_every",
		"canonical_template", "tracker.timezone", "storage.path",
	} {
		assert.ErrorContains(t, err, want)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = ParseDurationOrDefault("x", "90s", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = ParseDurationOrDefault("x", "-1s", time.Minute)
	assert.Error(t, err)
}

func TestManagerReloadPublishesOnlyChanges(t *testing.T) {
	path := writeFile(t, "config.json", minimalJSON)
	m := NewManager(path, logx.Nop())
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(1)
	changed, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, os.WriteFile(path, []byte(
		`{"poll_service": {"base_url": "http://127.0.0.1:6000"}, "scheduler": {"timezone": "UTC"}}`), 0o600))
	changed, err = m.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)

	got := <-sub
	assert.Equal(t, "http://127.0.0.1:6000", got.PollService.BaseURL)
	assert.Same(t, got, m.Get())

	m.SetValidator(func(context.Context, *Config) error { return assert.AnError })
	require.NoError(t, os.WriteFile(path, []byte(minimalJSON), 0o600))
	_, err = m.Reload(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, "http://127.0.0.1:6000", m.Get().PollService.BaseURL)
}

func TestManagerWatchPicksUpEdits(t *testing.T) {
	path := writeFile(t, "config.yaml", "poll_service:\n  base_url: http://127.0.0.1:5000\n")
	m := NewManager(path, logx.Nop())
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("poll_service:\n  base_url: http://127.0.0.1:7000\n"), 0o600))
	select {
	case got := <-sub:
		assert.Equal(t, "http://127.0.0.1:7000", got.PollService.BaseURL)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload published")
	}
}

func TestSummarizeHidesSecrets(t *testing.T) {
	a := &Config{Telegram: TelegramConfig{Token: "old"}, API: APIConfig{Token: "s1"}}
	b := &Config{Telegram: TelegramConfig{Token: "new"}, API: APIConfig{Token: "s2"},
		Storage: &StorageConfig{Driver: "file", Path: "x"}}
	changed, attrs := Summarize(a, b)
	assert.Equal(t, []string{"api", "storage", "telegram"}, changed)
	assert.NotEmpty(t, attrs)

	changed, _ = Summarize(b, b)
	assert.Empty(t, changed)
}
