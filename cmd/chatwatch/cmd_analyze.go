package main

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/V4T54L/chatwatch/internal/domain"
	"github.com/V4T54L/chatwatch/internal/usecase"
)

var (
	analyzeUser       string
	analyzeCollection string
	analyzeLogFile    string
)

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeUser, "user", "u", "", "author of the message")
	analyzeCmd.Flags().StringVarP(&analyzeCollection, "collection", "c", "", "collection to search for similar messages")
	analyzeCmd.Flags().StringVarP(&analyzeLogFile, "log-file", "f", "", "chat log whose collection is searched")
	analyzeCmd.MarkFlagsMutuallyExclusive("collection", "log-file")
	rootCmd.AddCommand(analyzeCmd)
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <text>",
	Short: "Classify a single message",
	Long:  "Classifies one message without storing it and lists similar stored messages from a collection.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAnalyze,
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	collection := analyzeCollection
	if analyzeLogFile != "" {
		collection = domain.CollectionName(analyzeLogFile)
	}

	uc := usecase.NewAnalyzeMessageUseCase(a.ollama, a.ollama, a.vectors, log, cfg.ExemptUsername)
	res, runErr := uc.Analyze(ctx, analyzeUser, strings.Join(args, " "), collection)
	if res == nil {
		return runErr
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	return runErr
}
