// Package app wires configuration, transport, storage, the command
// router, and the scheduled jobs into one runnable unit.
package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"todobot/internal/bot"
	"todobot/internal/config"
	"todobot/internal/mail"
	"todobot/internal/scheduler"
	"todobot/internal/storage"
	"todobot/internal/task"
	kit "todobot/internal/transport"
	"todobot/internal/transport/telegram"
	logx "todobot/pkg/logx"
)

const (
	jobReminders = "task.reminders"
	jobMailPoll  = "mail.poll"
	jobMailSweep = "mail.sweep"
)

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager

	log  logx.Logger
	logs *logx.Service

	adapter  *telegram.Adapter
	store    *storage.DB
	sched    *scheduler.Service
	router   *bot.Router
	callback *mail.CallbackServer

	sup     *Supervisor
	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Bootstrap logging with the telegram sink disabled, set the target,
	// then apply the final config. Avoids a false warning from Apply()
	// when the target chat is not known yet.
	baseLogCfg := mapLogConfig(cfg)
	baseLogCfg.Telegram.Enabled = false
	logSvc, log := logx.New(baseLogCfg, adapter)
	log = log.With(logx.String("comp", "app"))

	if target := strings.TrimSpace(cfg.Telegram.GroupLog); target != "" {
		if chatID, err := strconv.ParseInt(target, 10, 64); err == nil {
			logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
		}
	}
	logSvc.Apply(mapLogConfig(cfg))

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	schedTimeout, err := config.ParseDurationOrDefault("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout, time.Minute)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(scheduler.Config{
		Workers:        cfg.Scheduler.Workers,
		DefaultTimeout: schedTimeout,
		HistorySize:    cfg.Scheduler.HistorySize,
		Timezone:       cfg.Scheduler.Timezone,
	}, log.With(logx.String("comp", "scheduler")))

	loc := time.UTC
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
		loc = l
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		adapter: adapter,
		store:   store,
		sched:   sched,
		updates: make(chan kit.Update, 256),
	}

	handlers := &bot.Handlers{
		Tasks: store,
		Mail:  store,
		Loc:   loc,
		Log:   log.With(logx.String("comp", "commands")),
	}

	reminders := task.NewReminders(store, adapter, log.With(logx.String("comp", "reminders")))
	if err := a.registerReminderJob(cfg, reminders); err != nil {
		return nil, err
	}

	if cfg.Mail.Enabled {
		if err := a.wireMail(cfg, handlers); err != nil {
			return nil, err
		}
	}

	a.router = bot.NewRouter(adapter, log.With(logx.String("comp", "bot")), handlers.Registry())
	return a, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// registerReminderJob schedules the deadline reminder scan. The first
// tick waits for the platform connection so reminders are never
// composed into the void.
func (a *App) registerReminderJob(cfg *config.Config, reminders *task.Reminders) error {
	if !cfg.Reminders.IsEnabled() {
		a.log.Info("reminders disabled via config")
		return nil
	}
	interval, err := config.ParseDurationOrDefault("reminders.interval", cfg.Reminders.Interval, time.Minute)
	if err != nil {
		return err
	}
	return a.sched.AddInterval(jobReminders, interval, 45*time.Second, func(ctx context.Context) error {
		if err := a.waitReady(ctx); err != nil {
			return err
		}
		return reminders.Tick(ctx)
	})
}

func (a *App) wireMail(cfg *config.Config, handlers *bot.Handlers) error {
	oauth := mail.NewOAuth(mail.OAuthConfig{
		ClientID:     cfg.Mail.OAuth.ClientID,
		ClientSecret: cfg.Mail.OAuth.ClientSecret,
		TenantID:     cfg.Mail.OAuth.TenantID,
		RedirectURL:  cfg.Mail.OAuth.RedirectURL,
		Scopes:       cfg.Mail.OAuth.Scopes,
	})
	graph := mail.NewGraph()
	poller := mail.NewPoller(a.store, oauth, graph, a.adapter, cfg.Mail.FetchLimit,
		a.log.With(logx.String("comp", "mailpoll")))

	handlers.OAuth = oauth
	handlers.Poll = poller

	pollEvery, err := config.ParseDurationOrDefault("mail.poll_interval", cfg.Mail.PollInterval, 30*time.Minute)
	if err != nil {
		return err
	}
	err = a.sched.AddInterval(jobMailPoll, pollEvery, 5*time.Minute, func(ctx context.Context) error {
		if err := a.waitReady(ctx); err != nil {
			return err
		}
		return poller.Poll(ctx)
	})
	if err != nil {
		return err
	}

	sweepAt := strings.TrimSpace(cfg.Mail.SweepAt)
	if sweepAt == "" {
		sweepAt = "03:30"
	}
	err = a.sched.AddDaily(jobMailSweep, sweepAt, time.Minute, func(ctx context.Context) error {
		return poller.Sweep(ctx)
	})
	if err != nil {
		return err
	}

	if cfg.Mail.Callback.Enabled {
		a.callback = mail.NewCallbackServer(mail.CallbackConfig{
			Enabled: true,
			Addr:    cfg.Mail.Callback.Addr,
			Path:    cfg.Mail.Callback.Path,
		}, oauth, graph, a.store, a.log.With(logx.String("comp", "callback")))
	}
	return nil
}

func (a *App) waitReady(ctx context.Context) error {
	select {
	case <-a.adapter.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the supervisor context is canceled (fatal error
// in a supervised goroutine, or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, a.log)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
			return err
		}
		if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
			}
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if mm, ok := any(a.adapter).(kit.CommandMenuUpdater); ok {
		if err := mm.UpdateMenuCommands(a.sup.Context(), a.router.MenuCommands()); err != nil {
			a.log.Warn("command menu update failed", logx.Err(err))
		}
	}

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.callback != nil {
		if err := a.callback.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	a.sup.Go0("bot.dispatch", func(c context.Context) {
		a.router.DispatchLoop(c, a.updates)
	})

	// hot reload: logging is applied live, everything else needs a restart
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(newCfg)
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyReload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	if target := strings.TrimSpace(cfg.Telegram.GroupLog); target != "" {
		if chatID, err := strconv.ParseInt(target, 10, 64); err == nil {
			a.logs.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
		}
	} else {
		a.logs.SetTelegramTarget(0, 0)
	}
	a.logs.Apply(mapLogConfig(cfg))
	a.log.Info("config reloaded (logging applied; other sections take effect on restart)")
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// bounded shutdown steps so one component cannot stall the stop
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	if a.callback != nil {
		step("callback", 2*time.Second, func(c context.Context) error { return a.callback.Stop(c) })
	}
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
