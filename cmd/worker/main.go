// FX trading worker — executes automated forex strategies against the
// broker, backtests them over historical ticks, and fans live data out
// to WebSocket subscribers.
//
// Architecture:
//
//	main.go              — entry point: config, logger, wiring, SIGINT/SIGTERM
//	task/runner.go       — task executor: lock, execution row, run loop, bookkeeping
//	task/lifecycle.go    — task status state machine (submit/pause/resume/stop/restart)
//	strategy/floor.go    — layered grid strategy: entries, retracements, take profits
//	backtest/engine.go   — tick-replay engine with equity curve and metrics
//	orders/executor.go   — order submission: compliance, differentiation, retry, breaker
//	txstream/consumer.go — broker transaction feed → order/position bookkeeping
//	txstream/reconciler.go — periodic order/position drift detection and repair
//	lock/manager.go      — redis locks with heartbeats, cancel flags, stale sweep
//	ws/hub.go            — per-group fan-out hub with client batching
//	ws/bridge.go         — redis pub/sub bridge so every worker's hub sees every event
//	store/store.go       — gorm persistence for tasks, orders, positions, events
//
// Task commands (submit/pause/resume/stop/restart) arrive on the
// fx:tasks redis channel as JSON; any worker may pick one up, and the
// lock manager guarantees at most one execution per task across the
// fleet.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yuyash/auto-forex-web-service-sub002/internal/broker"
	"github.com/yuyash/auto-forex-web-service-sub002/internal/config"
	"github.com/yuyash/auto-forex-web-service-sub002/internal/lock"
	"github.com/yuyash/auto-forex-web-service-sub002/internal/orders"
	"github.com/yuyash/auto-forex-web-service-sub002/internal/store"
	"github.com/yuyash/auto-forex-web-service-sub002/internal/task"
	"github.com/yuyash/auto-forex-web-service-sub002/internal/txstream"
	"github.com/yuyash/auto-forex-web-service-sub002/internal/ws"
	"github.com/yuyash/auto-forex-web-service-sub002/pkg/types"
)

// taskChannel carries task commands to the worker fleet.
const taskChannel = "fx:tasks"

// taskCommand is the wire shape of one task command.
type taskCommand struct {
	TaskType types.TaskType `json:"task_type"`
	TaskID   string         `json:"task_id"`
	Action   task.Action    `json:"action"`
}

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("FX_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(cfg.Database.DSN, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("redis unreachable", "error", err, "addr", cfg.Redis.Addr)
		os.Exit(1)
	}

	locks := lock.NewManager(lock.NewRedisKV(rdb), workerID(), lock.Options{
		TTL:        cfg.Lock.TTL,
		StaleAfter: cfg.Lock.StaleThreshold,
	}, logger)
	go runSweeper(ctx, locks, cfg.Lock.SweepInterval, logger)

	brokerClient := broker.NewClient(cfg.Broker, logger)
	executor := orders.NewExecutor(st, brokerClient, orders.DefaultRules(), orders.DifferentiationPolicy{}, logger)

	publisher := ws.NewPublisher(rdb, logger)
	lifecycle := task.NewLifecycle(st, locks, logger)
	runner := task.NewRunner(st, locks, task.Options{
		Orders:            executor,
		HeartbeatInterval: cfg.Lock.HeartbeatInterval,
		LiveTicks:         livePricing(brokerClient, publisher, cfg.Stream, logger),
	}, logger)

	// One transaction consumer and one reconciler per brokerage account.
	accounts, err := st.BrokerAccounts(ctx)
	if err != nil {
		logger.Error("failed to list broker accounts", "error", err)
		os.Exit(1)
	}
	for _, acct := range accounts {
		if !acct.IsActive {
			continue
		}
		go runAccountStream(ctx, st, brokerClient, cfg.Stream, acct.AccountID, logger)
		go txstream.NewReconciler(st, brokerClient, acct.AccountID, cfg.Reconcile.Interval, logger).Run(ctx)
	}

	// WebSocket fan-out: local hub, redis bridge, HTTP surface.
	hub := ws.NewHub(logger)
	go hub.Run(ctx)
	bridge := ws.NewBridge(rdb, hub, logger)
	go func() {
		if err := bridge.Run(ctx); err != nil {
			logger.Error("fan-out bridge stopped", "error", err)
		}
	}()
	wsServer := ws.NewServer(hub, cfg.Realtime, logger)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Realtime.Port),
		Handler: wsServer.Routes(),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("websocket server failed", "error", err)
		}
	}()

	go runTaskCommands(ctx, rdb, runner, lifecycle, logger)

	logger.Info("fx worker started",
		"worker_id", workerID(),
		"accounts", len(accounts),
		"ws_port", cfg.Realtime.Port,
		"broker", cfg.Broker.RESTBaseURL,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("websocket server shutdown failed", "error", err)
	}
	cancel()
}

// runTaskCommands consumes the task command channel. Start actions go
// to the runner, which takes the task lock and runs to completion;
// pause and stop only flip status and raise the cancel flag, so they
// apply directly through the lifecycle.
func runTaskCommands(ctx context.Context, rdb *redis.Client, runner *task.Runner, lifecycle *task.Lifecycle, logger *slog.Logger) {
	sub := rdb.Subscribe(ctx, taskChannel)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				logger.Error("task command subscription closed")
				return
			}
			var cmd taskCommand
			if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil {
				logger.Warn("unparseable task command", "error", err, "payload", msg.Payload)
				continue
			}
			go func() {
				var err error
				switch cmd.Action {
				case task.ActionPause, task.ActionStop:
					_, err = lifecycle.Apply(ctx, cmd.TaskType, cmd.TaskID, cmd.Action)
				default:
					err = runner.Start(ctx, cmd.TaskType, cmd.TaskID, cmd.Action)
				}
				if err != nil {
					logger.Error("task command failed",
						"task_type", cmd.TaskType,
						"task_id", cmd.TaskID,
						"action", cmd.Action,
						"error", err,
					)
				}
			}()
		}
	}
}

// runAccountStream keeps one account's transaction feed flowing into
// the store, restarting the stream if it dies while the worker is up.
func runAccountStream(ctx context.Context, st *store.Store, bc *broker.Client, cfg config.StreamConfig, accountID string, logger *slog.Logger) {
	consumer := txstream.NewConsumer(st, accountID, logger)
	for ctx.Err() == nil {
		stream := bc.NewTransactionStream(accountID, cfg)
		go func() {
			if err := stream.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("transaction stream stopped", "account_id", accountID, "error", err)
			}
		}()
		if err := consumer.Run(ctx, stream.Transactions()); err != nil {
			logger.Error("transaction consumer stopped", "account_id", accountID, "error", err)
		}
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
	}
}

// livePricing feeds trading runs from the broker's pricing stream and
// republishes every quote for WebSocket fan-out.
func livePricing(bc *broker.Client, pub *ws.Publisher, cfg config.StreamConfig, logger *slog.Logger) task.LiveTickFeed {
	return func(ctx context.Context, accountID, instrument string) (<-chan types.Tick, error) {
		stream := bc.NewPricingStream(accountID, instrument, cfg)
		go func() {
			if err := stream.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("pricing stream stopped", "account_id", accountID, "instrument", instrument, "error", err)
			}
		}()
		out := make(chan types.Tick, 64)
		go func() {
			defer close(out)
			for tick := range stream.Ticks() {
				if err := pub.PublishTick(ctx, accountID, tick); err != nil {
					logger.Warn("tick publish failed", "error", err)
				}
				select {
				case out <- tick:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, nil
	}
}

func runSweeper(ctx context.Context, locks *lock.Manager, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped, err := locks.Sweep(ctx)
			if err != nil {
				logger.Error("lock sweep failed", "error", err)
				continue
			}
			if len(reaped) > 0 {
				logger.Info("reaped stale locks", "locks", reaped)
			}
		}
	}
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
