package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	chatwidget "github.com/MegaGrindStone/chat-widget"
	"github.com/MegaGrindStone/chat-widget/internal/handlers"
	"github.com/MegaGrindStone/chat-widget/internal/models"
	"github.com/MegaGrindStone/chat-widget/internal/services"
	"github.com/MegaGrindStone/chat-widget/internal/session"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Server failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return fmt.Errorf("error getting user config dir: %w", err)
	}
	appDir := filepath.Join(cfgDir, "chatwidget")

	cfgFilePath := flag.String("config", filepath.Join(appDir, "config.yaml"), "path to the config file")
	flag.Parse()

	if err := os.MkdirAll(appDir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	cfg, err := readConfig(*cfgFilePath)
	if err != nil {
		return err
	}

	level, err := cfg.logLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	llm, err := cfg.LLM.llm(&http.Client{}, logger)
	if err != nil {
		return err
	}

	// A key entered in the widget outlives restarts and beats the configured one.
	boltDB, err := services.NewBoltDB(filepath.Join(appDir, "store.db"), cfg.LLM.apiKey())
	if err != nil {
		return err
	}

	// The controller reports through m, which needs the controller first. Nothing is submitted before m
	// is assigned, so the closure never sees the zero value.
	var m handlers.Main
	ctrl := session.New(llm, boltDB, session.ReporterFunc(func(err error) {
		m.ReportError(err)
	}), session.Options{
		SystemPrompt:   cfg.SystemPrompt,
		Greeting:       cfg.Greeting,
		Parameters:     models.DefaultParameters(cfg.LLM.model()),
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})

	m, err = handlers.NewMain(ctrl, boltDB, logger)
	if err != nil {
		return err
	}

	staticFS, err := fs.Sub(chatwidget.StaticFS, "static")
	if err != nil {
		return err
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/messages", m.HandleMessages)
	mux.HandleFunc("/credentials", m.HandleCredentials)
	mux.HandleFunc("/sse", m.HandleSSE)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		ctrl.Close()

		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
		if err := boltDB.Close(); err != nil {
			logger.Error("Failed to close store", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr), slog.String("model", cfg.LLM.model()))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}

	return nil
}

// readConfig loads the config file at path. A missing file means every setting takes its default.
func readConfig(path string) (config, error) {
	cfgFile, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return loadConfig(strings.NewReader(""))
	}
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer cfgFile.Close()

	cfg, err := loadConfig(cfgFile)
	if err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}
