package config

import (
	"reflect"
	"sort"
	"strings"

	"reviewwatch/pkg/logx"
)

// Summarize lists the changed top-level sections and returns log fields that
// never include secrets.
func Summarize(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var changed []string
	var attrs []logx.Field

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	tokenChanged := ot.Token != nt.Token
	ot.Token, nt.Token = "", ""
	if tokenChanged || !reflect.DeepEqual(ot, nt) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", nt.Enabled),
			logx.Bool("telegram.token_changed", tokenChanged),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Int("telegram.notify_chat_count", len(nt.NotifyChatIDs)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}

	oa, na := oldCfg.API, newCfg.API
	apiTokenSet := strings.TrimSpace(na.Token) != ""
	apiTokenChanged := oa.Token != na.Token
	oa.Token, na.Token = "", ""
	if apiTokenChanged || oa != na {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", na.Enabled),
			logx.String("api.addr", na.Addr),
			logx.Bool("api.token_set", apiTokenSet),
			logx.Bool("api.pprof", na.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Tracker, newCfg.Tracker) {
		changed = append(changed, "tracker")
		attrs = append(attrs,
			logx.Strs("tracker.patterns", newCfg.Tracker.TrackerPatterns),
			logx.String("tracker.upstream", newCfg.Tracker.Upstream),
		)
	}
	if oldCfg.PollService != newCfg.PollService {
		changed = append(changed, "poll_service")
		attrs = append(attrs, logx.String("poll_service.base_url", newCfg.PollService.BaseURL))
	}
	if oldCfg.Monitor != newCfg.Monitor {
		changed = append(changed, "monitor")
		attrs = append(attrs,
			logx.String("monitor.persist_every", newCfg.Monitor.PersistEvery),
			logx.String("monitor.sync_every", newCfg.Monitor.SyncEvery),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Int("notifier.workers", n.Workers),
				logx.Int("notifier.rate_per_sec", n.RatePerSec),
			)
		}
	}

	var oDriver, nDriver string
	var oPath, nPath string
	if s := oldCfg.Storage; s != nil {
		oDriver, oPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.Path)
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.Path)
	}
	if oDriver != nDriver || oPath != nPath {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", nDriver), logx.Bool("storage.path_set", nPath != ""))
	}

	sort.Strings(changed)
	return changed, attrs
}
