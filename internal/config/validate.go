package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault returns def for empty or zero values.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		check(err)
	}

	if c.Telegram.Enabled {
		if strings.TrimSpace(c.Telegram.Token) == "" {
			check(fmt.Errorf("telegram.token is required (or set %s)", EnvTelegramToken))
		}
		if len(c.Telegram.OwnerUserIDs) == 0 {
			check(errors.New("telegram.owner_user_ids must not be empty"))
		}
	}
	dur("telegram.poll_timeout", c.Telegram.PollTimeout)
	dur("api.request_timeout", c.API.RequestTimeout)
	dur("tracker.fetch_timeout", c.Tracker.FetchTimeout)
	dur("poll_service.timeout", c.PollService.Timeout)
	dur("monitor.persist_every", c.Monitor.PersistEvery)
	dur("monitor.sync_every", c.Monitor.SyncEvery)
	dur("monitor.reconnect_base_delay", c.Monitor.ReconnectBaseDelay)
	if c.Monitor.ReconnectMaxAttempts < 0 {
		check(errors.New("monitor.reconnect_max_attempts must be >= 0"))
	}

	check(httpURL("poll_service.base_url", c.PollService.BaseURL, true))
	check(httpURL("tracker.upstream", c.Tracker.Upstream, false))
	if t := c.Tracker.CanonicalTemplate; t != "" && strings.Count(t, "%s") != 1 {
		check(errors.New("tracker.canonical_template must contain exactly one %s"))
	}
	check(location("tracker.timezone", c.Tracker.Timezone))
	check(location("scheduler.timezone", c.Scheduler.Timezone))

	if n := c.Notifier; n != nil {
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
		if n.RetryMax < 0 {
			check(errors.New("notifier.retry_max must be >= 0"))
		}
	}
	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				check(errors.New("storage.path is required when storage.driver=sqlite"))
			}
		default:
			check(fmt.Errorf("unknown storage.driver: %s", s.Driver))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
	}
	return errors.Join(errs...)
}

func httpURL(path, raw string, required bool) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			return fmt.Errorf("%s is required", path)
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s: want an http(s) URL, got %q", path, raw)
	}
	return nil
}

func location(path, tz string) error {
	if strings.TrimSpace(tz) == "" {
		return nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
