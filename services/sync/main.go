package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/core"
	"github.com/chatsync/internal/handler"
	"github.com/chatsync/internal/history"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/middleware"
	"github.com/chatsync/internal/push"
	"github.com/chatsync/internal/repository"
	"github.com/chatsync/internal/startup"
	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/storage/memory"
	"github.com/chatsync/internal/transport"
	"github.com/chatsync/internal/ws"
	"github.com/chatsync/migrations"
)

func main() {
	logger.SetPrefix("sync")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and in-memory markers")
	flag.Parse()

	logger.Info("starting sync gateway")
	cfg := config.Load()

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 2

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second)
	defer pool.Close()

	runMigrations(pool)
	if *migrate && !*dev {
		return
	}
	logger.Info("database connected, migrations applied")

	// Маркеры (прочитанное, push-подписки): Redis, в dev — память.
	var markers storage.MarkerStore
	if *dev {
		markers = memory.New()
		logger.Info("using in-memory marker store")
	} else {
		markers = startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second)
	}
	defer markers.Close()

	mirror := repository.NewMirrorRepository(pool)
	histClient := history.NewClient(cfg.Upstream.HTTPURL, cfg.Upstream.Token)

	var notifier *push.Notifier
	if cfg.PushVAPIDPublicKey != "" && cfg.PushVAPIDPrivateKey != "" {
		keys := &push.VAPIDKeys{PublicKey: cfg.PushVAPIDPublicKey, PrivateKey: cfg.PushVAPIDPrivateKey}
		notifier = push.NewNotifier(keys, cfg.PushSubject, markers)
	}

	tr := transport.New(transport.Options{
		URL:         cfg.Upstream.WSURL,
		DialTimeout: cfg.Upstream.DialTimeout,
		BackoffBase: cfg.Upstream.BackoffBase,
		BackoffMax:  cfg.Upstream.BackoffMax,
		MaxRetries:  cfg.Upstream.MaxRetries,
	})

	syncCore := core.New(core.Options{
		SelfID:         cfg.Identity.UserID,
		SelfDisplay:    cfg.Identity.DisplayName,
		Transport:      tr,
		History:        histClient,
		Mirror:         mirror,
		Markers:        markers,
		Notifier:       notifier,
		ConfirmTimeout: cfg.ConfirmTimeout,
		HistoryPage:    cfg.HistoryPage,
		TypingTTL:      cfg.TypingTTL,
		TypingDebounce: cfg.TypingDebounce,
	})

	coreCtx, coreCancel := context.WithCancel(context.Background())
	syncCore.Start(coreCtx, cfg.Upstream.Token)

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(syncCore, cfg.MaxWSConnections)

	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	syncH := handler.NewSyncHandler(syncCore, markers, notifier)
	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket — иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Get("/api/state", syncH.GetState)
	r.Get("/api/rooms", syncH.GetRooms)
	r.Post("/api/rooms", syncH.CreateRoom)
	r.Post("/api/rooms/{chatId}/join", syncH.JoinRoom)
	r.Post("/api/rooms/{chatId}/leave", syncH.LeaveRoom)
	r.Get("/api/rooms/{chatId}/messages", syncH.GetMessages)
	r.Post("/api/rooms/{chatId}/messages", syncH.SendMessage)
	r.Post("/api/rooms/{chatId}/messages/{correlationId}/retry", syncH.RetryMessage)
	r.Post("/api/rooms/{chatId}/reactions", syncH.ToggleReaction)
	r.Post("/api/rooms/{chatId}/read", syncH.MarkRead)
	r.Get("/api/rooms/{chatId}/typing", syncH.GetTyping)
	r.Get("/api/unread", syncH.GetUnread)
	r.Get("/api/push/key", syncH.GetPushKey)
	r.Post("/api/push/subscribe", syncH.SubscribePush)
	r.Delete("/api/push/subscribe", syncH.UnsubscribePush)
	r.Get("/ws", wsH.ServeWS)

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	syncCore.Stop()
	coreCancel()
	logger.Info("sync core stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		logger.Errorf("read migrations: %v", err)
		os.Exit(1)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			logger.Errorf("read migration %s: %v", name, err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			logger.Errorf("run migration %s: %v", name, err)
			os.Exit(1)
		}
	}
	logger.Info("migrations applied")
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5433
		user     = "chatsync"
		password = "chatsync_secret"
		database = "chatsync"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
