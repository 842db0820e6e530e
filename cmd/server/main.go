package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"parapr/internal/classify"
	"parapr/internal/config"
	"parapr/internal/realtime"
	"parapr/internal/session"
	"parapr/internal/tmux"
	"parapr/internal/worktree"
)

const shutdownTimeout = 5 * time.Second

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "parapr",
		Short: "Supervise parallel coding-agent terminal sessions",
		Long:  "parapr watches tmux sessions running coding agents, answers safe permission prompts and serves a live dashboard.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	rootCmd.AddCommand(newServeCommand(&configPath))
	rootCmd.AddCommand(newClassifyCommand(&configPath))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor and dashboard server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func newClassifyCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "classify [text]",
		Short: "Evaluate terminal text the way the supervisor would",
		Long:  "Evaluate terminal text with the prompt detectors and the configured classifier. Reads stdin when no text is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if len(args) == 0 {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				text = string(data)
			}

			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := cfg.NewLogger(cmd.ErrOrStderr())
			evaluator := classify.New(cfg.Classifier, logger)

			result := evaluator.Evaluate(cmd.Context(), classify.Request{
				SessionID: "cli",
				Context:   text,
				Delta:     text,
			})

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Prompt classify.PromptEvaluation `json:"prompt"`
				Result classify.Result           `json:"result"`
			}{classify.EvaluatePrompt(text), result})
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := cfg.NewLogger(os.Stderr)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	term := tmux.NewClient(cfg.TmuxSocket, cfg.CommandTimeout)
	dir := worktree.NewDir(cfg.WorktreesDir)

	// The manager reports record changes to the server, which is built
	// after it.
	var rtServer *realtime.Server
	sessMgr := session.NewManager(session.Options{
		Terminal:     term,
		Evaluator:    classify.New(cfg.Classifier, logger),
		Spawner:      worktree.NewScriptSpawner(cfg.SpawnScript, cfg.SpawnTimeout),
		Worktrees:    dir,
		Logger:       logger.With("component", "session"),
		PollInterval: cfg.PollInterval,
		SettleDelay:  cfg.AcceptSettleDelay,
		BufferLines:  cfg.BufferLines,
		ContextLines: cfg.ContextLines,
		OnUpdate: func(rec session.Record) {
			if rtServer != nil {
				rtServer.OnSessionUpdate(rec)
			}
		},
	})

	rtServer = realtime.New(realtime.Options{
		Manager:     sessMgr,
		Logger:      logger.With("component", "http"),
		StaticDir:   cfg.StaticDir,
		Classifier:  cfg.Classifier.Provider,
		OutputLines: cfg.OutputTailLines,
	})

	if n, err := sessMgr.Discover(ctx); err != nil {
		logger.Warn("session discovery failed", "error", err)
	} else {
		logger.Info("discovered existing sessions", "count", n)
	}

	wtWatcher := worktree.NewWatcher(dir, 0, rtServer.OnWorktreesUpdate, logger.With("component", "worktree"))
	if err := wtWatcher.Start(); err != nil {
		logger.Warn("worktree watcher not started", "error", err)
	}
	defer wtWatcher.Close()

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           rtServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Addr(), "classifier", cfg.Classifier.Provider)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	sessMgr.Shutdown()
	rtServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
		return err
	}
	return nil
}
