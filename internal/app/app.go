package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"price-alerts/internal/alerting"
	"price-alerts/internal/cache"
	"price-alerts/internal/config"
	"price-alerts/internal/dedup"
	"price-alerts/internal/fetcher"
	"price-alerts/internal/marketdata"
	"price-alerts/internal/notify"
	"price-alerts/internal/retry"
	"price-alerts/internal/scheduler"
	"price-alerts/internal/server"
	"price-alerts/internal/service"
	"price-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output. Defaults to stdout.
	Out io.Writer

	// openRepo is swapped in tests.
	openRepo func(ctx context.Context) (storage.Repository, error)
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	a := &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
	a.openRepo = func(ctx context.Context) (storage.Repository, error) {
		return storage.Open(ctx, a.Config.Database, a.Logger)
	}
	return a
}

// components is the wired object graph behind every command.
type components struct {
	repo       storage.Repository
	cache      *cache.Store
	facade     *marketdata.Facade
	prices     *marketdata.Prices
	outbox     *notify.Outbox
	dispatcher *notify.Dispatcher
	tracker    *notify.Tracker
	engine     *alerting.Engine
}

func (c *components) Close() {
	c.facade.Close()
	c.repo.Close()
}

func (a *App) build(ctx context.Context) (*components, error) {
	repo, err := a.openRepo(ctx)
	if err != nil {
		return nil, err
	}

	c := &components{repo: repo}
	c.cache = cache.NewStore(cache.StoreOptions{
		Defaults: cache.Options{TTL: a.Config.Cache.DefaultTTL},
	}, a.Logger)
	c.facade = marketdata.NewFacade(
		c.cache,
		dedup.NewGroup(a.Logger),
		retry.NewRetryer(a.Config.Retry, a.Logger),
		marketdata.FacadeOptions{
			MaxBackgroundRefreshes: a.Config.Cache.MaxBackgroundRefreshes,
			RefreshTimeout:         a.Config.Cache.RefreshTimeout,
		},
		a.Logger,
	)
	c.prices = a.newPrices(c.facade)
	c.outbox = notify.NewOutbox(a.Config.Notify.BrowserOutboxLimit)
	c.dispatcher = a.newDispatcher(repo, c.outbox)
	c.tracker = a.newTracker(repo)
	c.engine = alerting.NewEngine(c.prices, alerting.StoresFrom(repo), c.dispatcher, alerting.EngineOptions{
		Concurrency: a.Config.Alerts.Concurrency,
		LockKey:     a.Config.Scheduler.AdvisoryLockKey,
	}, a.Logger)
	return c, nil
}

func (a *App) newPrices(facade *marketdata.Facade) *marketdata.Prices {
	coingecko := fetcher.NewCoinGecko(fetcher.CoinGeckoOptions{
		BaseURL:           a.Config.Market.BaseURL,
		APIKey:            a.Config.Market.APIKey,
		APIKeyHeader:      a.Config.Market.APIKeyHeader,
		Timeout:           a.Config.Market.RequestTimeout,
		UserAgent:         a.Config.Market.UserAgent,
		RequestsPerMinute: a.Config.Market.RequestsPerMinute,
	}, a.Logger)

	var source fetcher.PriceSource = coingecko
	if a.Config.Oracle.Enabled {
		oracle := fetcher.NewOracle(fetcher.OracleOptions{
			RPCURL:  a.Config.Oracle.RPCURL,
			Feeds:   a.Config.Oracle.Feeds,
			Timeout: a.Config.Oracle.RequestTimeout,
			MaxAge:  a.Config.Oracle.MaxAge,
		}, a.Logger)
		source = fetcher.NewFallback(a.Logger, coingecko, oracle)
	}

	fx := fetcher.NewFX(fetcher.FXOptions{
		BaseURL: a.Config.FX.BaseURL,
		Timeout: a.Config.FX.RequestTimeout,
	}, a.Logger)

	return marketdata.NewPrices(facade, source, coingecko, fx, marketdata.PricesOptions{
		Policies:      a.cachePolicies(),
		PivotCurrency: a.Config.FX.PivotCurrency,
	}, a.Logger)
}

func (a *App) cachePolicies() marketdata.Policies {
	cfg := a.Config.Cache
	return marketdata.Policies{
		Price:  cache.Options{TTL: cfg.Prices.TTL, RefreshInterval: cfg.Prices.RefreshInterval, Namespace: marketdata.NamespacePrices},
		Market: cache.Options{TTL: cfg.Market.TTL, RefreshInterval: cfg.Market.RefreshInterval, Namespace: marketdata.NamespaceMarket},
		FX:     cache.Options{TTL: cfg.FX.TTL, RefreshInterval: cfg.FX.RefreshInterval, Namespace: marketdata.NamespaceFX},
	}
}

func (a *App) newDispatcher(repo storage.Repository, outbox *notify.Outbox) *notify.Dispatcher {
	cfg := a.Config.Notify
	timeout := cfg.RequestTimeout

	var channels notify.Channels
	if cfg.Resend.APIKey != "" {
		channels.Providers = append(channels.Providers, notify.NewResend(notify.ProviderOptions{APIKey: cfg.Resend.APIKey, BaseURL: cfg.Resend.BaseURL, Timeout: timeout}))
	}
	if cfg.SendGrid.APIKey != "" {
		channels.Providers = append(channels.Providers, notify.NewSendGrid(notify.ProviderOptions{APIKey: cfg.SendGrid.APIKey, BaseURL: cfg.SendGrid.BaseURL, Timeout: timeout}))
	}
	if cfg.Postmark.APIKey != "" {
		channels.Providers = append(channels.Providers, notify.NewPostmark(notify.ProviderOptions{APIKey: cfg.Postmark.APIKey, BaseURL: cfg.Postmark.BaseURL, Timeout: timeout}))
	}
	if len(channels.Providers) == 0 {
		a.Logger.Warn().Msg("no email provider configured; email alerts go straight to the fallback channels")
	}

	for _, hook := range cfg.Webhooks {
		channels.Sinks = append(channels.Sinks, notify.NewWebhookSink(notify.WebhookOptions{
			Name:            hook.Name,
			URL:             hook.URL,
			Secret:          hook.Secret,
			SignatureHeader: hook.SignatureHeader,
			Timeout:         timeout,
		}, a.Logger))
	}
	if cfg.Telegram.Enabled {
		channels.Sinks = append(channels.Sinks, notify.NewTelegramSink(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, timeout, a.Logger))
	}
	if cfg.SMS.Enabled {
		channels.SMS = notify.NewTwilio(notify.TwilioOptions{
			AccountSID: cfg.SMS.AccountSID,
			AuthToken:  cfg.SMS.AuthToken,
			From:       cfg.SMS.From,
			BaseURL:    cfg.SMS.BaseURL,
			Timeout:    timeout,
		})
	}
	if outbox != nil {
		channels.Browser = outbox
	}

	return notify.NewDispatcher(notify.DispatcherOptions{
		From:            cfg.From,
		Primary:         cfg.PrimaryProvider,
		FallbackEnabled: cfg.FallbackEnabled,
		RetryQueue: notify.RetryQueueOptions{
			MaxRetries: cfg.RetryQueue.MaxRetries,
			Window:     cfg.RetryQueue.Window,
			BatchSize:  cfg.RetryQueue.BatchSize,
			Lease:      cfg.RetryQueue.Lease,
		},
	}, channels, repo, repo, a.Logger)
}

func (a *App) newTracker(repo storage.Repository) *notify.Tracker {
	secrets := make(map[string]notify.WebhookSecret, len(a.Config.Notify.WebhookSecrets))
	for provider, secret := range a.Config.Notify.WebhookSecrets {
		secrets[provider] = notify.WebhookSecret{Secret: secret.Secret, Header: secret.Header}
	}
	return notify.NewTracker(repo, notify.DefaultNormalizers(), secrets, a.Logger)
}

// Run executes the long-running watcher.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	comp := service.Components{
		Engine:  c.engine,
		Retries: c.dispatcher,
		Cache:   c.cache,
	}
	if a.Config.Server.Enabled {
		comp.Server = server.New(server.Options{
			Addr:         a.Config.Server.Addr,
			ReadTimeout:  a.Config.Server.ReadTimeout,
			WriteTimeout: a.Config.Server.WriteTimeout,
			CORSOrigins:  a.Config.Server.CORSOrigins,
			CronSecret:   a.Config.Cron.Secret,
		}, server.Deps{
			Prices:    c.prices,
			Evaluator: c.engine,
			Tracker:   c.tracker,
			Browser:   c.outbox,
		}, a.Logger)
	}

	opts := service.Options{
		AlertsEnabled: a.Config.Alerts.Enabled,
		Scheduler: scheduler.Options{
			Name:           "evaluate",
			Interval:       a.Config.Scheduler.Interval,
			AlignToStart:   a.Config.Scheduler.AlignToBucket,
			StartupDelay:   a.Config.Scheduler.StartupDelay,
			RunImmediately: true,
		},
		RetryQueueInterval: a.Config.Scheduler.RetryQueueInterval,
		CacheSweepInterval: a.Config.Scheduler.CacheSweepInterval,
		ShutdownTimeout:    a.Config.Server.ShutdownTimeout,
	}
	if a.Config.Cron.Enabled {
		opts.CronSpec = a.Config.Cron.Spec
	}

	svc := service.New(opts, comp, a.Logger)

	a.Logger.Info().Msg("starting alert watcher")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("alert watcher stopped")
	return nil
}

// Evaluate runs a single evaluation pass.
func (a *App) Evaluate(ctx context.Context) (alerting.Summary, error) {
	c, err := a.build(ctx)
	if err != nil {
		return alerting.Summary{}, err
	}
	defer c.Close()

	summary, err := c.engine.Evaluate(ctx)
	if err != nil {
		return summary, err
	}
	// Let detached refreshes settle before the process exits.
	c.facade.Wait()
	return summary, nil
}

// Price reads one quote through the cached read path.
func (a *App) Price(ctx context.Context, coinID, currency string) (marketdata.Quote, error) {
	c, err := a.build(ctx)
	if err != nil {
		return marketdata.Quote{}, err
	}
	defer c.Close()
	return c.prices.Quote(ctx, coinID, currency)
}

// Migrate applies pending database migrations.
func (a *App) Migrate(ctx context.Context) ([]string, error) {
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}
	defer pool.Close()

	return storage.Migrate(ctx, pool, storage.MigrationsFS(a.Config.Database.MigrationsPath), a.Logger)
}

// requireDatabase rejects commands that read history from the in-memory store,
// which starts empty in every process.
func (a *App) requireDatabase(command string) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database.dsn not configured; " + command + " needs persistent storage")
	}
	return nil
}

// ExportOptions hold parameters for exporting trigger history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
	Filter    TriggerFilter
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Filter TriggerFilter
	// Since bounds the lookback when a filter is set.
	Since time.Duration
}

// TriggerFilter narrows trigger logs. Zero fields match everything.
type TriggerFilter struct {
	AlertID  int64
	CoinID   string
	Currency string
}

func (f TriggerFilter) empty() bool {
	return f.AlertID == 0 && f.CoinID == "" && f.Currency == ""
}

func (f TriggerFilter) match(log storage.AlertTriggerLog) bool {
	if f.AlertID != 0 && log.AlertID != f.AlertID {
		return false
	}
	if f.CoinID != "" && !strings.EqualFold(log.CoinID, f.CoinID) {
		return false
	}
	if f.Currency != "" && !strings.EqualFold(log.Currency, f.Currency) {
		return false
	}
	return true
}

func (f TriggerFilter) apply(logs []storage.AlertTriggerLog) []storage.AlertTriggerLog {
	if f.empty() {
		return logs
	}
	kept := logs[:0:0]
	for _, log := range logs {
		if f.match(log) {
			kept = append(kept, log)
		}
	}
	return kept
}

// StatusOptions select a delivery-status query. TrackingID wins over Email;
// with neither, aggregate stats over Days are printed.
type StatusOptions struct {
	TrackingID string
	Email      string
	Days       int
}
