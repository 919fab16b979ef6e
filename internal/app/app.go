package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fxwatch/internal/config"
	"fxwatch/internal/events"
	"fxwatch/internal/faults"
	"fxwatch/internal/fees"
	"fxwatch/internal/httpapi"
	"fxwatch/internal/metrics"
	"fxwatch/internal/money"
	"fxwatch/internal/monitor"
	"fxwatch/internal/notify"
	"fxwatch/internal/rates"
	"fxwatch/internal/referral"
	"fxwatch/internal/scheduler"
	"fxwatch/internal/storage"
	"fxwatch/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Observer *faults.Observer
	Out      io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	m := metrics.New()
	return &App{
		Config:   cfg,
		Logger:   logger.With().Str("component", "app").Logger(),
		Metrics:  m,
		Observer: faults.NewObserver(logger, m.FaultCounter()),
		Out:      os.Stdout,
	}
}

// backend is everything the commands need from persistence.
type backend interface {
	storage.RuleStore
	storage.RewardStore
	storage.ReferralStore
	storage.SubscriptionStore
}

type stores struct {
	backend
	locker storage.AdvisoryLocker
	health httpapi.Pinger
	close  func()
}

// openStore connects to Postgres. Without a DSN it falls back to an in-memory store
// when allowMemory is set, and fails otherwise.
func (a *App) openStore(ctx context.Context, allowMemory bool) (*stores, error) {
	if a.Config.Database.DSN == "" {
		if !allowMemory {
			return nil, faults.FatalConfig("open store", "database.dsn is not configured")
		}
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory store, nothing will persist")
		return &stores{backend: storage.NewMemory(), close: func() {}}, nil
	}

	if a.Config.Database.AutoMigrate {
		if err := storage.Migrate(a.Config.Database.DSN, a.Logger); err != nil {
			return nil, err
		}
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}
	store := storage.NewStore(pool)
	return &stores{backend: store, locker: store, health: store, close: store.Close}, nil
}

func (a *App) newRateProvider() (rates.Provider, error) {
	return rates.NewHTTP(rates.HTTPOptions{
		BaseURL:   a.Config.Rates.BaseURL,
		APIKey:    a.Config.Rates.APIKey,
		Timeout:   a.Config.Rates.Timeout,
		UserAgent: a.Config.Rates.UserAgent,
	}, a.Logger)
}

func (a *App) newDispatcher(subs storage.SubscriptionStore) (*notify.Dispatcher, error) {
	var push notify.Transport
	if cfg := a.Config.Notify.WebPush; cfg.Enabled {
		wp, err := notify.NewWebPush(notify.WebPushOptions{
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			Subscriber:      cfg.Subscriber,
			TTL:             cfg.TTL,
			Timeout:         a.Config.Notify.SendTimeout,
		}, a.Logger)
		if err != nil {
			return nil, err
		}
		push = wp
	} else {
		a.Logger.Warn().Msg("web push disabled; alerts will only reach mirrors")
	}

	var mirrors []notify.Mirror
	if cfg := a.Config.Notify.Telegram; cfg.Enabled {
		tg, err := notify.NewTelegram(notify.TelegramOptions{
			BotToken: cfg.BotToken,
			ChatID:   cfg.ChatID,
			APIBase:  cfg.APIBase,
			Silent:   cfg.Silent,
		}, a.Logger)
		if err != nil {
			return nil, err
		}
		mirrors = append(mirrors, tg)
	}

	return notify.NewDispatcher(subs, push, notify.DispatcherOptions{
		SendTimeout: a.Config.Notify.SendTimeout,
		Mirrors:     mirrors,
		Observer:    a.Observer,
		Metrics:     a.Metrics,
	}, a.Logger), nil
}

func (a *App) newMonitor(st *stores, provider rates.Provider) (*monitor.Monitor, error) {
	dispatcher, err := a.newDispatcher(st)
	if err != nil {
		return nil, err
	}
	return monitor.New(st, provider, dispatcher, monitor.Options{
		Workers:        a.Config.Monitor.Workers,
		FetchTimeout:   a.Config.Rates.Timeout,
		RearmMarginPct: a.Config.Monitor.RearmMarginPct,
		BaseBackoff:    a.Config.Scheduler.Interval,
		MaxBackoff:     a.Config.Monitor.MaxBackoff,
		LockKey:        a.Config.Scheduler.AdvisoryLockKey,
	}, monitor.Deps{Locker: st.locker, Observer: a.Observer, Metrics: a.Metrics}, a.Logger)
}

func (a *App) feeTable() (*fees.Table, error) {
	schedules := make([]fees.Schedule, 0, len(a.Config.Fees.Schedules))
	for _, sc := range a.Config.Fees.Schedules {
		pair, err := money.NewPair(sc.From, sc.To)
		if err != nil {
			return nil, fmt.Errorf("fees.schedules %s/%s: %w", sc.From, sc.To, err)
		}
		schedules = append(schedules, fees.Schedule{
			From:       pair.From,
			To:         pair.To,
			PercentFee: sc.PercentFee,
			FixedFee:   sc.FixedFee,
			MinFee:     sc.MinFee,
			MaxFee:     sc.MaxFee,
		})
	}
	table, err := fees.NewTable(schedules)
	if err != nil {
		return nil, faults.FatalConfig("fee table", "%v", err)
	}
	return table, nil
}

func (a *App) newEngine(st *stores, provider rates.Provider) (*referral.Engine, error) {
	return referral.NewEngine(st, st, provider, referral.Policy{
		Percent:   a.Config.Reward.Percent,
		MaxAmount: a.Config.Reward.MaxAmount,
	}, referral.Deps{Observer: a.Observer, Metrics: a.Metrics}, a.Logger)
}

func (a *App) retryPolicy() events.RetryPolicy {
	return events.RetryPolicy{
		MaxAttempts: a.Config.Events.MaxAttempts,
		Backoff:     a.Config.Events.Backoff,
		MaxBackoff:  a.Config.Monitor.MaxBackoff,
		HoldRounds:  a.Config.Events.HoldRounds,
	}
}

// newSource builds the configured transaction event source, or nil when disabled.
func (a *App) newSource() (events.Source, error) {
	switch a.Config.Events.Driver {
	case config.EventsDriverKafka:
		cfg := a.Config.Events.Kafka
		return events.NewKafkaSource(events.KafkaOptions{
			Brokers: cfg.Brokers,
			Topic:   cfg.Topic,
			GroupID: cfg.GroupID,
			Retry:   a.retryPolicy(),
		}, a.Observer, a.Metrics, a.Logger)
	case config.EventsDriverAMQP:
		cfg := a.Config.Events.AMQP
		return events.NewAMQPSource(a.amqpOptions(cfg), a.Observer, a.Metrics, a.Logger)
	default:
		return nil, nil
	}
}

func (a *App) newPublisher() (events.Publisher, error) {
	switch a.Config.Events.Driver {
	case config.EventsDriverKafka:
		return events.NewKafkaPublisher(a.Config.Events.Kafka.Brokers, a.Config.Events.Kafka.Topic), nil
	case config.EventsDriverAMQP:
		return events.NewAMQPPublisher(a.amqpOptions(a.Config.Events.AMQP))
	default:
		return nil, faults.FatalConfig("event publisher", "events.driver must be kafka or amqp to publish")
	}
}

func (a *App) amqpOptions(cfg config.AMQPConfig) events.AMQPOptions {
	return events.AMQPOptions{
		URL:        cfg.URL,
		Exchange:   cfg.Exchange,
		Queue:      cfg.Queue,
		RoutingKey: cfg.RoutingKey,
		Prefetch:   cfg.Prefetch,
		Retry:      a.retryPolicy(),
	}
}

// Run executes the long-running service: rate monitor, reward consumer, reward retry
// worker and HTTP API, until SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := a.openStore(ctx, true)
	if err != nil {
		return err
	}
	defer st.close()

	provider, err := a.newRateProvider()
	if err != nil {
		return err
	}
	mon, err := a.newMonitor(st, provider)
	if err != nil {
		return err
	}
	engine, err := a.newEngine(st, provider)
	if err != nil {
		return err
	}
	table, err := a.feeTable()
	if err != nil {
		return err
	}
	source, err := a.newSource()
	if err != nil {
		return err
	}
	if source != nil {
		defer func() {
			if err := source.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close event source")
			}
		}()
	} else {
		a.Logger.Warn().Msg("events.driver is none; referral rewards will not be processed")
	}

	monitorSched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		TickTimeout:  a.Config.Scheduler.TickTimeout,
	}, a.Logger)
	retrySched := scheduler.New(scheduler.Options{
		Interval:    a.Config.Reward.RetryInterval,
		TickTimeout: a.Config.Scheduler.TickTimeout,
	}, a.Logger)
	retry := referral.NewRetryWorker(st, referral.RetryOptions{
		MaxAttempts: a.Config.Reward.MaxAttempts,
		Grace:       a.Config.Reward.RetryGrace,
	}, referral.Deps{Observer: a.Observer, Metrics: a.Metrics}, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mon.Run(gctx, monitorSched) })
	g.Go(func() error { return retry.Run(gctx, retrySched) })
	if source != nil {
		g.Go(func() error { return source.Subscribe(gctx, engine.Handle) })
	}
	if a.Config.HTTP.Addr != "" {
		server := httpapi.New(httpapi.Deps{
			Rules:         monitor.NewRuleService(st),
			Subscriptions: st,
			Quoter:        fees.NewQuoter(table, provider),
			Health:        st.health,
			Metrics:       a.Metrics.Handler(),
		}, a.Logger)
		g.Go(func() error { return server.Serve(gctx, a.Config.HTTP.Addr, a.Config.HTTP.ShutdownTimeout) })
	}

	a.Logger.Info().Str("version", version.Version).Str("events", a.Config.Events.Driver).Str("http", a.Config.HTTP.Addr).Msg("starting fxwatch")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("fxwatch stopped")
	return nil
}

// ExportOptions hold parameters for exporting credited rewards.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the rewards show command.
type ShowOptions struct {
	Limit int
}

// ReplayOptions configure the replay job.
type ReplayOptions struct {
	Path    string
	DryRun  bool
	Publish bool
}
