package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	redisrepo "github.com/V4T54L/chatwatch/internal/adapter/repository/redis"
	"github.com/V4T54L/chatwatch/internal/usecase"
)

var reconcileSkipDrain bool

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileSkipDrain, "skip-queue", false, "do not drain the deferred queue")
	rootCmd.AddCommand(reconcileCmd)
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Repair divergence between the relational and vector stores",
	Long:  "Replays the local journal, restores relational rows missing for stored vectors and retries deferred messages.",
	Args:  cobra.NoArgs,
	RunE:  runReconcile,
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	queue := a.deferredQueue()
	if reconcileSkipDrain {
		queue = nil
	}

	uc := usecase.NewReconcileUseCase(
		a.messages, a.vectors, a.journal, queue, a.dedup, a.processor,
		a.metrics, log, redisrepo.ReconcileGroup, consumerName(),
	)
	report, runErr := uc.Run(ctx)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	return runErr
}
