// Command stereoeyed serves the render queue over HTTP.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/stevecastle/stereoeye/appconfig"
	"github.com/stevecastle/stereoeye/auth"
	"github.com/stevecastle/stereoeye/httpapi"
	"github.com/stevecastle/stereoeye/jobqueue"
	"github.com/stevecastle/stereoeye/runners"
	"github.com/stevecastle/stereoeye/storage"
	"github.com/stevecastle/stereoeye/stream"
	"github.com/stevecastle/stereoeye/tasks"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", appconfig.ConfigPath(), "path to config.json")
	addr := flag.String("addr", "", "listen address, overrides server.addr")
	hashPassword := flag.Bool("hash-password", false, "read a password from stdin and print its bcrypt hash for server.passwordHash")
	flag.Parse()

	if *hashPassword {
		if err := printPasswordHash(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, path, err := appconfig.LoadFrom(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	logrus.WithField("config", path).Info("Loaded configuration")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, cfg); err != nil {
		logrus.WithError(err).Error("Server stopped")
		os.Exit(1)
	}
}

func printPasswordHash(in io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	hash, err := auth.HashPassword(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, hash)
	return err
}

// app wires the queue, runners, storage and API for one configuration.
type app struct {
	db      *sql.DB
	queue   *jobqueue.Queue
	runners *runners.Runners
	events  *stream.Hub
	handler http.Handler
}

func newApp(ctx context.Context, cfg appconfig.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	level, _ := logrus.ParseLevel(cfg.LogLevel)
	logrus.SetLevel(level)

	db, err := openDB(cfg.Server.DBPath)
	if err != nil {
		return nil, err
	}

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		db.Close()
		return nil, err
	}

	queue, err := jobqueue.NewQueueWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	queue.SetLimit(cfg.Server.Workers)
	logrus.WithField("jobs", len(queue.GetJobs())).Info("Job queue initialized")

	events := stream.NewHub()
	queue.Events = events

	registry := tasks.Builtins(tasks.RenderDeps{
		Store:         store,
		Workers:       cfg.Workers,
		ThumbnailSize: cfg.Server.ThumbnailSize,
		JPEGQuality:   cfg.JPEGQuality,
	})

	var authSvc *auth.AuthService
	if cfg.Server.PasswordHash != "" {
		authSvc = auth.NewAuthService(cfg.Server.PasswordHash, cfg.Server.JWTSecret)
	} else {
		logrus.Warn("No server.passwordHash configured; the API is open")
	}

	api := httpapi.New(&httpapi.Dependencies{
		Queue:          queue,
		Registry:       registry,
		Store:          store,
		Auth:           authSvc,
		Events:         events,
		MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
		DefaultSize:    cfg.DefaultSize,
		DefaultLayout:  cfg.DefaultLayout,
	})

	return &app{
		db:      db,
		queue:   queue,
		runners: runners.New(queue, registry),
		events:  events,
		handler: api,
	}, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	logrus.WithField("path", path).Info("Connected to SQLite database")
	return db, nil
}

// stop ends job processing and disconnects event streams.
func (a *app) stop() {
	logrus.Info("Shutting down job runners...")
	a.runners.Shutdown()

	logrus.Info("Shutting down stream connections...")
	a.events.Shutdown()
}

// close persists the queue and releases the database.
func (a *app) close() {
	if err := a.queue.SaveAllJobsToDB(); err != nil {
		logrus.WithError(err).Error("Error saving jobs to database")
	}
	if err := a.db.Close(); err != nil {
		logrus.WithError(err).Warn("Error closing database")
	}
}

func serve(ctx context.Context, cfg appconfig.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		a.stop()
		a.close()
		return err
	}
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", ln.Addr().String()).Info("Listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	// Event streams end when the hub shuts down, so server shutdown does
	// not wait on them.
	a.stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logrus.WithError(serr).Warn("HTTP server shutdown error")
	}
	a.close()
	logrus.Info("Server shutdown complete")

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
