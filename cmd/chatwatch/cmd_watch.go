package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/V4T54L/chatwatch/internal/adapter/api/handler"
	"github.com/V4T54L/chatwatch/internal/adapter/tailer"
	"github.com/V4T54L/chatwatch/internal/domain"
	"github.com/V4T54L/chatwatch/internal/usecase"
)

var watchNoAdmin bool

func init() {
	watchCmd.Flags().BoolVar(&watchNoAdmin, "no-admin", false, "do not start the admin server")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow chat logs in real time",
	Long:  "Catches up with the chat logs under LOGS_PATH, then processes lines as they are appended until interrupted.",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	broker := handler.NewSSEBroker(ctx, log)
	a, err := newApp(ctx, cfg, log, broker)
	if err != nil {
		return err
	}
	defer a.Close()

	ckpt, err := tailer.NewCheckpoint(a.cfg.CheckpointPath)
	if err != nil {
		return err
	}
	tl := tailer.New(ckpt, a.cfg.CatchupLines, a.metrics, a.logger)

	watcher, err := tailer.NewWatcher(a.cfg.LogsPath, a.cfg.LogsGlob, a.logger)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", a.cfg.LogsPath, err)
	}
	go watcher.Start(ctx)

	session := domain.NewSession("watch")
	monitor, err := usecase.NewMonitorChatUseCase(tl, watcher, a.ingest, a.messages, session, a.metrics, a.logger, a.cfg.TailerCacheSize)
	if err != nil {
		return err
	}

	if !watchNoAdmin {
		admin := a.adminServer(session, broker, nil)
		go serve(admin, "admin", a.logger, stop)
		defer shutdown(admin, "admin", a.logger)
	}

	a.logger.Info("watching chat logs", "path", a.cfg.LogsPath, "glob", a.cfg.LogsGlob, "session_id", session.ID)
	if err := monitor.Run(ctx); err != nil {
		return err
	}

	printSession(session.Snapshot())
	return nil
}
