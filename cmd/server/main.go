package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/npezzotti/go-pollroom/internal/api"
	"github.com/npezzotti/go-pollroom/internal/config"
	"github.com/npezzotti/go-pollroom/internal/database"
	"github.com/npezzotti/go-pollroom/internal/relay"
	"github.com/npezzotti/go-pollroom/internal/server"
	"github.com/npezzotti/go-pollroom/internal/stats"
	"github.com/redis/go-redis/v9"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

var (
	addr           string
	dsn            string
	signingKey     string
	redisAddr      string
	allowedOrigins stringSliceFlag
)

func main() {
	// .env is optional, flags and real env vars win
	godotenv.Load()

	flag.StringVar(&addr, "addr", envOr("POLLROOM_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&dsn, "dsn", envOr("POLLROOM_DSN",
		"host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"), "database connection string")
	flag.StringVar(&signingKey, "signing-key", envOr("POLLROOM_SIGNING_KEY", defaultSigningKey), "base64 encoded signing key")
	flag.StringVar(&redisAddr, "redis-addr", os.Getenv("POLLROOM_REDIS_ADDR"), "redis address for the cross-instance broadcast relay (optional)")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[pollroom] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, dsn, signingKey, redisAddr, allowedOrigins)
	if err != nil {
		logger.Fatal("config:", err)
	}

	dbConn, err := database.NewPgPollRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Fatal("db close:", err)
		}
	}()

	if err := dbConn.CreateSchema(); err != nil {
		logger.Fatal("schema:", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	pollServer, err := server.NewPollServer(logger, dbConn, statsUpdater)
	if err != nil {
		logger.Fatal("new poll server:", err)
	}

	dispatcher := server.NewDispatcher(pollServer, nil, logger)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		broadcastRelay := relay.NewRedisRelay(rdb, dispatcher.NotifyLocal, logger)
		dispatcher.AttachRelay(broadcastRelay)
		broadcastRelay.Run()
		defer broadcastRelay.Close()
	}

	srv := api.NewPollApp(mux, logger, pollServer, dispatcher, dbConn, statsUpdater, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go pollServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down poll server...")
	if err := pollServer.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("poll server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
