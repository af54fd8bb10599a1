package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/annel0/classic-server/internal/api"
	"github.com/annel0/classic-server/internal/auth"
	"github.com/annel0/classic-server/internal/cache"
	"github.com/annel0/classic-server/internal/command"
	"github.com/annel0/classic-server/internal/config"
	"github.com/annel0/classic-server/internal/eventbus"
	"github.com/annel0/classic-server/internal/heartbeat"
	"github.com/annel0/classic-server/internal/logging"
	"github.com/annel0/classic-server/internal/network"
	"github.com/annel0/classic-server/internal/observability"
	"github.com/annel0/classic-server/internal/storage"
	"github.com/annel0/classic-server/internal/world"
	"github.com/annel0/classic-server/internal/world/block"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config (default $CLASSIC_CONFIG)")
	flag.Parse()

	if err := logging.InitDefaultLogger("server"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}
	if level, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
		logging.SetLevel(level)
	} else {
		logging.Warn("Неизвестный уровень логирования %q: %v", cfg.Logging.Level, err)
	}

	logging.Info("🎮 Запуск %s (%s)", cfg.Server.Name, network.Software)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// === НАБЛЮДАЕМОСТЬ ===
	shutdownTelemetry, err := observability.InitTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		log.Fatalf("❌ Ошибка инициализации OpenTelemetry: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// === ШИНА СОБЫТИЙ ===
	bus, err := newEventBus(cfg.EventBus)
	if err != nil {
		log.Fatalf("❌ Ошибка подключения шины событий: %v", err)
	}
	if _, err := eventbus.StartLoggingListener(bus); err != nil {
		logging.Warn("Логирование событий недоступно: %v", err)
	}
	busMetrics := eventbus.NewMetricsExporter(bus, registry)
	busMetrics.Start(10 * time.Second)
	events := eventbus.NewPublisher(bus, "classic-server")

	// === ХРАНИЛИЩА ===
	perms, err := auth.NewPermissionStore(cfg.Permissions)
	if err != nil {
		log.Fatalf("❌ Ошибка открытия хранилища прав: %v", err)
	}
	perms, err = cache.WrapPermissions(perms, cfg.Permissions.Cache, nodeID())
	if err != nil {
		log.Fatalf("❌ Ошибка подключения кеша прав: %v", err)
	}
	positions, err := storage.NewPositionRepo(cfg.Positions)
	if err != nil {
		log.Fatalf("❌ Ошибка открытия хранилища позиций: %v", err)
	}

	// === МИРЫ ===
	hub := network.NewHub(block.NewFallback(cfg.Blocks.Fallback))
	worlds := world.NewManager(cfg.Worlds, hub)
	if err := worlds.LoadAll(); err != nil {
		log.Fatalf("❌ Ошибка загрузки миров: %v", err)
	}
	worlds.Run(ctx)

	// === ИГРОВОЙ СЕРВЕР ===
	salts := heartbeat.NewSaltRing(cfg.Heartbeat.KeptSalts)
	opts := network.Options{
		Permissions: perms,
		Positions:   positions,
		Events:      events,
		Metrics:     network.NewMetrics(registry),
	}
	if salts.Enabled() {
		opts.Verifier = salts
	}
	srv := network.NewServer(cfg, worlds, hub, opts)

	dispatcher := command.NewDispatcher(srv, worlds, perms, events)
	srv.SetCommandHandler(func(ctx context.Context, s *network.Session, line string) error {
		return dispatcher.Execute(ctx, s, line)
	})
	srv.SetShutdownHandler(cancel)

	if cfg.Heartbeat.URL != "" || salts.Enabled() {
		hb, err := heartbeat.New(cfg.Heartbeat, cfg.Server, salts, srv.PlayerCount)
		if err != nil {
			log.Fatalf("❌ Ошибка настройки heartbeat: %v", err)
		}
		go hb.Run(ctx)
	}

	listener, err := network.Listen(cfg.Server)
	if err != nil {
		log.Fatalf("❌ Ошибка запуска слушателя: %v", err)
	}
	go func() {
		if err := srv.Serve(ctx, listener); err != nil {
			logging.Error("❌ Игровой слушатель остановлен: %v", err)
			cancel()
		}
	}()
	go srv.Run(ctx)

	// === REST API ===
	users, err := auth.NewMemoryUserRepo(cfg.Admin.Users)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки учётных записей API: %v", err)
	}
	tokens, err := auth.NewTokenManager(cfg.Admin.JWTSecret, cfg.Admin.TokenTTL)
	if err != nil {
		log.Fatalf("❌ Ошибка настройки JWT: %v", err)
	}
	webhooks := api.NewOutboundWebhookManager(cfg.Admin.Webhooks)
	if err := webhooks.Start(ctx, bus); err != nil {
		logging.Warn("Исходящие webhook'и недоступны: %v", err)
	}
	restServer := api.NewRestServer(api.Config{
		Port:        cfg.Admin.GetRESTPort(),
		Server:      cfg.Server,
		Game:        srv,
		Worlds:      worlds,
		Permissions: perms,
		Auth:        auth.NewAuthenticator(users, tokens),
		Events:      events,
		Webhooks:    webhooks,
		Registry:    registry,
		WebSocket:   srv.WebSocketHandler(ctx),
	})
	go func() {
		if err := restServer.Start(); err != nil {
			logging.Error("❌ Ошибка REST API: %v", err)
		}
	}()

	logging.Info("✅ Все сервисы запущены")
	logging.Info("   🎮 Classic: %s :%d", cfg.Server.Transport, cfg.Server.GetTCPPort())
	logging.Info("   🌐 REST API: http://localhost:%d (WebSocket /ws)", cfg.Admin.GetRESTPort())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logging.Info("📡 Получен сигнал %v, завершение работы...", sig)
	case <-ctx.Done():
		logging.Info("📡 Остановка по команде /stop")
	}

	// === GRACEFUL SHUTDOWN ===
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()

	if err := srv.Stop(stopCtx); err != nil {
		logging.Error("❌ Ошибка остановки игрового сервера: %v", err)
	}
	cancel()
	if err := restServer.Stop(stopCtx); err != nil {
		logging.Error("❌ Ошибка остановки REST API: %v", err)
	}
	if err := worlds.Stop(); err != nil {
		logging.Error("❌ Ошибка сохранения миров: %v", err)
	}
	webhooks.Stop()
	busMetrics.Stop()
	if err := bus.Close(); err != nil {
		logging.Warn("Ошибка закрытия шины событий: %v", err)
	}
	if positions != nil {
		_ = positions.Close()
	}
	if err := perms.Close(); err != nil {
		logging.Warn("Ошибка закрытия хранилища прав: %v", err)
	}
	if err := shutdownTelemetry(stopCtx); err != nil {
		logging.Warn("Ошибка остановки OpenTelemetry: %v", err)
	}

	logging.Info("👋 Сервер успешно остановлен")
}

// newEventBus выбирает JetStream при заданном URL, иначе шину в памяти
func newEventBus(cfg config.EventBusConfig) (eventbus.EventBus, error) {
	if cfg.URL == "" {
		return eventbus.NewMemoryBus(cfg.BufferSize), nil
	}
	retention := time.Duration(cfg.Retention) * time.Hour
	return eventbus.NewJetStreamBus(cfg.URL, cfg.Stream, retention)
}

// nodeID идентифицирует процесс для инвалидации кеша между серверами
func nodeID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "classic"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
