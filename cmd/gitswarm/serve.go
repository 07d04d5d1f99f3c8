package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/gitswarm/gitswarm/internal/config"
	"github.com/gitswarm/gitswarm/internal/consensus"
	"github.com/gitswarm/gitswarm/internal/coordinator"
	"github.com/gitswarm/gitswarm/internal/identity"
	"github.com/gitswarm/gitswarm/internal/mechanics"
	"github.com/gitswarm/gitswarm/internal/repos"
	"github.com/gitswarm/gitswarm/internal/schema"
	"github.com/gitswarm/gitswarm/internal/server"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/stream"
	"github.com/gitswarm/gitswarm/internal/syncer"
)

var (
	serveAddr    string
	serveDriver  string
	serveDSN     string
	serveLogFile string
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "federation",
	Short:   "Run the federation server",
	Long: `Run the federation HTTP server: repo registration, review and merge
routing, authoritative consensus, batch event sync, and server-owned
config.

Typically backed by postgres; sqlite works for single-host setups.

Examples:
  gitswarm serve --addr :8377 --driver postgres --dsn "postgres://..."
  gitswarm serve --addr 127.0.0.1:8377 --log-file /var/log/gitswarm/server.log`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		driver := serveDriver
		if driver == "" {
			driver = config.GetString("db.driver")
		}
		dsn := serveDSN
		if dsn == "" {
			dsn = config.GetString("db.dsn")
		}
		var st store.Store
		var err error
		switch driver {
		case "postgres":
			st, err = store.OpenPostgres(ctx, dsn)
		case "", "sqlite":
			if dsn == "" {
				dsn = "gitswarm-server.db"
			}
			st, err = store.OpenSQLite(ctx, dsn)
		default:
			return fmt.Errorf("unknown driver %q", driver)
		}
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
		if err := schema.Apply(ctx, st); err != nil {
			return err
		}

		var out io.Writer = os.Stderr
		if serveLogFile != "" {
			out = &lumberjack.Logger{
				Filename:   serveLogFile,
				MaxSize:    config.GetInt("log.max-size-mb"),
				MaxBackups: config.GetInt("log.max-backups"),
				Compress:   true,
			}
		}
		logger := log.New(out, "gitswarm-server ", log.LstdFlags|log.LUTC)

		// The server evaluates policy and state over the shared store; git
		// mechanics happen on clients, so the in-process provider suffices.
		idsvc := identity.New(st)
		reposvc := repos.New(st)
		cons := consensus.New(st)
		git := mechanics.NewMemory()
		syncEngine := syncer.New(st, syncer.NewClient("", ""))
		streams := stream.NewManager(st, idsvc, reposvc, git, syncEngine)
		coord := coordinator.New(st, idsvc, reposvc, cons, git, syncEngine, nil)
		streams.SetMerger(coord)

		srv := &http.Server{
			Addr:              serveAddr,
			Handler:           server.New(st, idsvc, reposvc, streams, coord, cons, logger).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			logger.Printf("listening on %s (driver=%s)", serveAddr, driver)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Printf("shutting down")
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8377", "Listen address")
	serveCmd.Flags().StringVar(&serveDriver, "driver", "", "Database driver (sqlite, postgres)")
	serveCmd.Flags().StringVar(&serveDSN, "dsn", "", "Database DSN or path")
	serveCmd.Flags().StringVar(&serveLogFile, "log-file", "", "Log to a rotating file instead of stderr")
	rootCmd.AddCommand(serveCmd)
}
