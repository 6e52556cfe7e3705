package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lookout/internal/agent"
	"lookout/internal/changelog"
	"lookout/internal/conversation"
	internalcontext "lookout/internal/context"
	"lookout/internal/mailbox"
	"lookout/internal/perception"
	"lookout/internal/session"
)

var (
	observeRoot      string
	observeSessionID string
)

var observeCmd = &cobra.Command{
	Use:   "observe",
	Short: "Run the background observer for a project",
	Long: `Run the observer process: poll the session mailbox for questions,
build a context snapshot of the project, ask the model backend, and write
answers back. Runs until interrupted; the session is closed on exit.

A change watcher records project mutations alongside the poll loop so
answers can mention what changed recently.`,
	RunE: runObserve,
}

func init() {
	observeCmd.Flags().StringVar(&observeRoot, "root", "", "Project root (default: current directory)")
	observeCmd.Flags().StringVar(&observeSessionID, "session", "", "Attach to a specific session id")
}

func runObserve(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	store, err := session.NewStore(cfg.SessionsDir)
	if err != nil {
		return err
	}
	sess, err := attachSession(store, observeRoot, observeSessionID)
	if err != nil {
		return err
	}

	broker, err := mailbox.NewFileBroker(cfg.SessionsDir, cfg.GetPollInterval())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	backend, err := perception.NewBackend(ctx, cfg.Model)
	if err != nil {
		return err
	}

	var changes changelog.Store
	changeStore, err := changelog.Open(cfg.ChangeLogPath())
	if err != nil {
		logger.Warn("change log unavailable", zap.Error(err))
	} else {
		changes = changeStore
		defer changeStore.Close()
	}

	observer := agent.New(agent.Config{
		SessionsDir:  cfg.SessionsDir,
		PollInterval: cfg.GetPollInterval(),
		MaxRetries:   cfg.Model.MaxRetries,
		SmartEnabled: cfg.Context.SmartEnabled,
		BudgetBytes:  cfg.Context.MaxSizeBytes,
		Exclusions:   cfg.Context.Exclusions,
	}, agent.Deps{
		Sessions: store,
		Broker:   broker,
		Backend:  backend,
		Builder:  internalcontext.NewBuilder(internalcontext.DefaultScorePolicy()),
		History:  conversation.NewHistory(cfg.SessionsDir),
		Changes:  changes,
	})

	logger.Info("observer starting",
		zap.String("session", sess.ID),
		zap.String("root", sess.ProjectRoot),
		zap.Bool("smart_context", cfg.Context.SmartEnabled),
		zap.String("backend", cfg.Model.Backend))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return observer.Run(gctx, sess.ID)
	})

	if cfg.Watcher.Enabled && changes != nil {
		watcher, werr := changelog.NewWatcher(sess.ProjectRoot, changes, cfg.Context.Exclusions, cfg.GetWatcherDebounce())
		if werr != nil {
			logger.Warn("change watcher unavailable", zap.Error(werr))
		} else {
			g.Go(func() error {
				if err := watcher.Start(gctx); err != nil {
					return err
				}
				<-gctx.Done()
				watcher.Stop()
				return gctx.Err()
			})
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("observer stopped", zap.String("session", sess.ID))
	return nil
}
