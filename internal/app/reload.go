package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"reviewwatch/internal/config"
	"reviewwatch/pkg/logx"
)

// sections whose changes only apply after a restart
var restartSections = []string{"storage", "poll_service", "tracker"}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(c context.Context, prev, next *config.Config) {
	sections, attrs := config.Summarize(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if slices.Contains(restartSections, s) {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}
	if prev.Telegram.Enabled != next.Telegram.Enabled || prev.Telegram.Token != next.Telegram.Token {
		a.log.Warn("telegram enable/token changed; restart required")
	}

	a.logs.Apply(mapLogConfig(next))

	if a.router != nil {
		a.router.SetOwners(next.Telegram.OwnerUserIDs)
	}

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		if a.adapter == nil {
			ncfg.Enabled = false
		}
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(c)
		}
	}

	a.sched.Apply(mapSchedulerConfig(next))
	if t, err := mapTiming(next); err == nil && (t.persistEvery != a.timing.persistEvery || t.syncEvery != a.timing.syncEvery) {
		a.timing.persistEvery, a.timing.syncEvery = t.persistEvery, t.syncEvery
		if err := a.addJobs(); err != nil {
			a.log.Warn("schedules not updated", logx.Err(err))
		}
	}

	a.api.Reconfigure(c, a.apiConfig(next))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
