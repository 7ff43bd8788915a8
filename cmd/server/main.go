package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	ollamawebchat "github.com/MegaGrindStone/ollama-web-chat"
	"github.com/MegaGrindStone/ollama-web-chat/internal/handlers"
	"github.com/MegaGrindStone/ollama-web-chat/internal/logger"
	"github.com/MegaGrindStone/ollama-web-chat/internal/services"
	"gopkg.in/yaml.v3"
)

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "ollamawebchat")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfgFilePath := flag.String("config", filepath.Join(cfgPath, "config.yaml"), "path to the config file")
	dbPath := flag.String("db", filepath.Join(cfgPath, "store.db"), "path to the bolt database")
	flag.Parse()

	cfg, err := loadConfig(*cfgFilePath)
	if err != nil {
		log.Fatal(err)
	}

	l, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatal(err)
	}
	defer closeLog()

	llm, err := cfg.LLM.llm(cfg.SystemPrompt, l)
	if err != nil {
		l.Error("Failed to create llm", slog.String("err", err.Error()))
		os.Exit(1)
	}
	titleGen, err := cfg.LLM.titleGen(cfg.TitleGeneratorPrompt, l)
	if err != nil {
		l.Error("Failed to create title generator", slog.String("err", err.Error()))
		os.Exit(1)
	}

	boltDB, err := services.NewBoltDB(*dbPath)
	if err != nil {
		l.Error("Failed to open store", slog.String("path", *dbPath), slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer boltDB.Close()

	m, err := handlers.NewMain(llm, titleGen, boltDB, services.NewHeaderAuth(cfg.Auth.Header), cfg.handlerOptions(), l)
	if err != nil {
		l.Error("Failed to create handlers", slog.String("err", err.Error()))
		os.Exit(1)
	}

	// Serve static files
	staticFS, err := fs.Sub(ollamawebchat.StaticFS, "static")
	if err != nil {
		panic(err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	// Create custom mux
	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/api/chat", m.HandleChat)
	mux.HandleFunc("/api/vote", m.HandleVote)
	mux.HandleFunc("/api/history", m.HandleHistory)
	mux.HandleFunc("/api/models", m.HandleModels)
	mux.HandleFunc("POST /api/files/upload", m.HandleUpload)
	mux.HandleFunc("GET /api/files/{id}", m.HandleFile)
	mux.HandleFunc("/sse/chats", m.HandleSSE)

	// Create custom server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(l.Handler(), slog.LevelError),
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			l.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	// Start server in goroutine
	go func() {
		l.Info("Server starting", slog.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		l.Error("Server error", slog.String("err", err.Error()))

	case sig := <-shutdown:
		l.Info("Start shutdown", slog.String("signal", sig.String()))

		// Create context with timeout for shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			l.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				l.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}
}

func loadConfig(path string) (config, error) {
	cfgFile, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer cfgFile.Close()

	cfg := config{}
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}

// newLogger builds the root logger. With a log file configured, records also go to that file as JSON.
func newLogger(cfg logConfig) (*slog.Logger, func(), error) {
	l := logger.New(
		logger.WithDebug(cfg.Debug),
		logger.WithJSON(cfg.JSON),
		logger.WithPretty(cfg.Pretty),
		logger.WithSource(cfg.Source),
	)
	if cfg.File == "" {
		return l, func() {}, nil
	}

	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening log file: %w", err)
	}
	fileLogger := logger.New(
		logger.WithDebug(cfg.Debug),
		logger.WithJSON(true),
		logger.WithSource(cfg.Source),
		logger.WithWriter(f),
	)
	return logger.Multi(l, fileLogger), func() { _ = f.Close() }, nil
}
