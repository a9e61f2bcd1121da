// Package main is the entry point for the rebalance agent. It keeps the agent's inventory
// spread across chains, drives its resource locks through forced withdrawal and evaluates
// broadcast intents against current balances.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/rebalance-agent/internal/bridge"
	"github.com/yourorg/rebalance-agent/internal/chain"
	"github.com/yourorg/rebalance-agent/internal/circuitbreaker"
	"github.com/yourorg/rebalance-agent/internal/config"
	"github.com/yourorg/rebalance-agent/internal/db"
	"github.com/yourorg/rebalance-agent/internal/events"
	"github.com/yourorg/rebalance-agent/internal/fetch"
	"github.com/yourorg/rebalance-agent/internal/intent"
	"github.com/yourorg/rebalance-agent/internal/locks"
	"github.com/yourorg/rebalance-agent/internal/lockstore"
	"github.com/yourorg/rebalance-agent/internal/metrics"
	"github.com/yourorg/rebalance-agent/internal/monitor"
	"github.com/yourorg/rebalance-agent/internal/otel"
	"github.com/yourorg/rebalance-agent/internal/rebalance"
	"github.com/yourorg/rebalance-agent/internal/types"
)

// startTime records when the agent was initialized for uptime reporting
var startTime = time.Now()

const version = "1.0.0"

// Agent holds every long-lived component of the process
type Agent struct {
	cfg     config.Config
	rc      config.RebalanceConfig
	chains  map[types.ChainID]types.ChainConfig
	account common.Address

	registry  *chain.Registry
	submitter chain.Submitter
	lockStore *lockstore.Store
	oracle    *fetch.Oracle
	breaker   *circuitbreaker.CircuitBreaker
	bus       *events.Bus
	webhook   *events.WebhookNotifier
	ops       rebalance.OperationStore
	tracker   *rebalance.FailureTracker
	balances  *monitor.BalanceMonitor
	working   *rebalance.WorkingSet
	updates   <-chan events.Event
	evaluator *intent.Evaluator
	runner    *monitor.Runner
	metrics   *metrics.Metrics

	server  *http.Server
	closers []func()
}

func main() {
	setupLogging()

	cfg := config.Load()
	rc, err := config.LoadRebalanceConfig(cfg.RebalanceConfigPath)
	if err != nil {
		logrus.Fatalf("Failed to load rebalance configuration: %v", err)
	}

	shutdownTracer := otel.InitTracer(cfg.OtelEndpoint)
	defer shutdownTracer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agent, err := NewAgent(ctx, cfg, rc, prometheus.DefaultRegisterer)
	if err != nil {
		logrus.Fatalf("Failed to initialize agent: %v", err)
	}
	agent.Start(ctx)

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Agent shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	agent.Shutdown(shutdownCtx)
	cancel()
	logrus.Info("Agent stopped")
}

// setupLogging configures the logging for the application
func setupLogging() {
	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))

	switch logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch logLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	logrus.Info("Logging configured")
}

// NewAgent connects to every configured collaborator and wires the periodic tasks. Optional
// collaborators that fail to initialize are logged and left out.
func NewAgent(ctx context.Context, cfg config.Config, rc config.RebalanceConfig, reg prometheus.Registerer) (*Agent, error) {
	a := &Agent{
		cfg:       cfg,
		rc:        rc,
		chains:    config.ChainConfigs(rc, cfg),
		metrics:   metrics.New(reg),
		lockStore: lockstore.New(),
		tracker:   rebalance.NewFailureTracker(),
	}

	a.registry = chain.Dial(ctx, a.chains)
	a.closers = append(a.closers, a.registry.Close)

	a.account = cfg.AccountAddress
	if cfg.PrivateKey != "" {
		submitter, err := chain.NewKeySubmitter(cfg.PrivateKey, a.registry)
		if err != nil {
			return nil, err
		}
		a.submitter = submitter
		if a.account != (common.Address{}) && a.account != submitter.Address() {
			logrus.WithFields(logrus.Fields{
				"configured": a.account.Hex(),
				"signer":     submitter.Address().Hex(),
			}).Warn("ACCOUNT_ADDRESS differs from signing key, using signer")
		}
		a.account = submitter.Address()
	} else {
		logrus.Warn("No PRIVATE_KEY configured, running read-only")
	}

	a.breaker = circuitbreaker.New(circuitbreaker.Thresholds{MaxPriceChange: cfg.MaxPriceChange}).
		WithResetDelay(cfg.CircuitResetDelay).
		WithTripCallback(func(chainID types.ChainID, reason string) {
			logrus.WithField("chain_id", chainID).Warnf("Price circuit breaker tripped: %s", reason)
		})

	priceClient := fetch.NewCoinGeckoClient(cfg.PriceBaseURL,
		fetch.WithAPIKey(cfg.PriceAPIKey, cfg.PriceAPIKeyHeader),
		fetch.WithRateLimit(config.GetEnvAsFloat("PRICE_RATE_LIMIT_RPS", 0.5), config.GetEnvAsInt("PRICE_RATE_LIMIT_BURST", 5)),
	)
	priceIDs := make(map[types.ChainID]string)
	for id, c := range a.chains {
		if c.Enabled && c.PriceID != "" {
			priceIDs[id] = c.PriceID
		}
	}
	a.oracle = fetch.NewOracle(priceClient, priceIDs,
		fetch.WithSampleChecker(a.breaker),
		fetch.WithStablecoin(cfg.USDCPegged, fetch.DefaultStablecoinID),
	)

	a.bus = events.NewBus(0, a.notifiers()...)
	a.working = rebalance.NewWorkingSet()
	a.updates = a.bus.Subscribe(events.DefaultBufferSize)

	ops, err := a.operationStore()
	if err != nil {
		return nil, err
	}
	a.ops = ops

	a.balances = monitor.NewBalanceMonitor(a.registry, a.connectedChains(), a.account, a.oracle, a.bus, a.metrics)
	a.evaluator = intent.NewEvaluator(a.connectedChains(), a.balances, a.bus, rc.Global.MinGasBalance())

	a.runner = monitor.NewRunner(a.metrics)
	a.addTasks()
	return a, nil
}

// notifiers builds the configured live update transports
func (a *Agent) notifiers() []events.Notifier {
	out := []events.Notifier{events.LogNotifier{}}

	if a.cfg.NATSURL != "" {
		n, err := events.NewNATSNotifier(a.cfg.NATSURL, a.cfg.NATSSubjectPrefix, a.cfg.RequestTimeout)
		if err != nil {
			logrus.WithError(err).Warn("Failed to initialize NATS notifier")
		} else {
			out = append(out, n)
			a.closers = append(a.closers, n.Close)
		}
	}

	if a.cfg.WebhookURL != "" {
		w, err := events.NewWebhookNotifier(events.WebhookConfig{
			URL:           a.cfg.WebhookURL,
			APIKey:        a.cfg.WebhookAPIKey,
			BatchSize:     config.GetEnvAsInt("WEBHOOK_BATCH_SIZE", 50),
			FlushInterval: config.GetEnvAsDuration("WEBHOOK_FLUSH_INTERVAL", 10*time.Second),
		})
		if err != nil {
			logrus.WithError(err).Warn("Failed to initialize webhook notifier")
		} else {
			out = append(out, w)
			a.webhook = w
		}
	}
	return out
}

func (a *Agent) operationStore() (rebalance.OperationStore, error) {
	if a.cfg.PostgresDSN == "" {
		logrus.Info("No POSTGRES_DSN configured, keeping operations in memory")
		return rebalance.NewMemoryStore(), nil
	}
	gdb, err := db.Open(a.cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if err := db.Close(gdb); err != nil {
			logrus.WithError(err).Warn("Failed to close database")
		}
	})
	return db.NewOperationStore(gdb), nil
}

// connectedChains is the subset of enabled chains that have a live client
func (a *Agent) connectedChains() map[types.ChainID]types.ChainConfig {
	out := make(map[types.ChainID]types.ChainConfig)
	for _, id := range a.registry.Chains() {
		if c, ok := a.chains[id]; ok && c.Enabled {
			out[id] = c
		}
	}
	return out
}

// rebalanceConfig limits rebalancing to connected chains. A configured chain without a client
// would never report balances and block every proposal.
func (a *Agent) rebalanceConfig() config.RebalanceConfig {
	rc := a.rc
	connected := a.connectedChains()
	rc.Chains = make(map[types.ChainID]config.ChainRebalanceConfig, len(a.rc.Chains))
	for id, c := range a.rc.Chains {
		if _, ok := connected[id]; ok {
			rc.Chains[id] = c
			continue
		}
		logrus.WithField("chain_id", id).Warn("Excluding unconnected chain from rebalancing")
	}
	return rc
}

func (a *Agent) addTasks() {
	chains := a.connectedChains()

	indexer := monitor.NewIndexerPoller(fetch.NewIndexerClient(a.cfg.IndexerURL), a.lockStore, a.oracle, chains, a.account)
	prices := monitor.NewPricePoller(a.oracle, a.bus, a.breaker, a.metrics)
	sweeper := monitor.NewSweeper(a.lockStore, a.tracker, a.metrics)

	a.runner.Add(monitor.Task{Name: "prices", Interval: a.cfg.PriceInterval, Run: prices.Poll})
	a.runner.Add(monitor.Task{Name: "balances", Interval: a.cfg.BalanceInterval, Run: a.balances.Poll})
	a.runner.Add(monitor.Task{Name: "indexer", Interval: a.cfg.IndexerInterval, Run: indexer.Poll})
	a.runner.Add(monitor.Task{Name: "sweep", Interval: a.cfg.SweepInterval, Run: sweeper.Sweep})

	if a.submitter == nil {
		return
	}

	depositor := bridge.NewDepositor(
		bridge.NewClient(a.cfg.BridgeAPIURL, fetch.DefaultRetryOptions()),
		a.registry, a.submitter, chains,
	)
	approvals := rebalance.NewApprovalManager(a.registry, a.submitter, chains, depositor, a.rc.Global.MinGasBalance()).
		WithMetrics(a.metrics)
	engine := rebalance.NewEngine(a.rebalanceConfig(), a.working, a.oracle, a.tracker, a.ops)
	executor := rebalance.NewExecutor(a.ops, depositor, approvals, a.tracker, a.metrics).
		WithRecipient(a.account)
	completion := rebalance.NewCompletionTracker(a.ops, depositor, a.tracker, a.cfg.OperationTimeout, a.metrics)
	processor := locks.NewProcessor(a.lockStore, a.registry, a.submitter, chains, a.cfg.AutoEnableWithdrawals, a.metrics)

	a.runner.Add(monitor.Task{Name: "rebalance", Interval: a.cfg.RebalanceInterval, Run: rebalance.NewRebalancer(engine, executor).Run})
	a.runner.Add(monitor.Task{Name: "completion", Interval: a.cfg.CompletionInterval, Run: completion.Check})
	a.runner.Add(monitor.Task{Name: "locks", Interval: a.cfg.LockInterval, Run: processor.Run})
}

// Start launches the event bus, the periodic tasks and the admin HTTP server
func (a *Agent) Start(ctx context.Context) {
	go a.bus.Run(ctx)
	go a.working.Consume(ctx, a.updates)
	if a.webhook != nil {
		a.webhook.Start(ctx)
	}
	a.runner.Start(ctx)

	a.server = &http.Server{
		Addr:         ":" + a.cfg.Port,
		Handler:      a.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logrus.Infof("Admin server starting on port %s", a.cfg.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Error starting server: %v", err)
		}
	}()

	logrus.WithFields(logrus.Fields{
		"account":   a.account.Hex(),
		"chains":    len(a.connectedChains()),
		"read_only": a.submitter == nil,
		"port":      a.cfg.Port,
	}).Info("Agent started")
}

// Shutdown stops accepting requests, joins every task and releases connections
func (a *Agent) Shutdown(ctx context.Context) {
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			logrus.WithError(err).Error("Server shutdown failed")
		}
	}
	a.runner.Stop()
	if a.webhook != nil {
		a.webhook.Stop(ctx)
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
