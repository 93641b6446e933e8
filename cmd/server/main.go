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
	"github.com/sparknet-dev/sparknet/internal/api"
	"github.com/sparknet-dev/sparknet/internal/config"
	"github.com/sparknet-dev/sparknet/internal/database"
	"github.com/sparknet-dev/sparknet/internal/security"
	"github.com/sparknet-dev/sparknet/internal/server"
	"github.com/sparknet-dev/sparknet/internal/stats"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	allowedOrigins stringSliceFlag
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[sparknet] ", log.LstdFlags)

	// a local .env is optional, real deployments set the environment
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Println("load .env:", err)
	}

	env, err := config.FromEnv()
	if err != nil {
		logger.Fatal("read environment: ", err)
	}

	cfg, err := config.NewConfig(addr, allowedOrigins, env)
	if err != nil {
		logger.Fatal("config: ", err)
	}

	dbConn, err := database.NewPgChatRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open: ", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Fatal("db close: ", err)
		}
	}()

	if err := dbConn.Migrate(); err != nil {
		logger.Fatal("db migrate: ", err)
	}

	codec, err := security.NewCodec(cfg.ChatSecret)
	if err != nil {
		logger.Fatal("codec: ", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	presence := server.NewPresenceSet()

	chatServer, err := server.NewChatServer(logger, dbConn, codec, presence, statsUpdater)
	if err != nil {
		logger.Fatal("new chat server: ", err)
	}

	srv := api.NewSparknetApp(mux, logger, chatServer, dbConn, codec, presence, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go chatServer.Run()

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

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("chat server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
