package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/V4T54L/chatwatch/internal/domain"
)

const riskyUsersShown = 10

func init() {
	rootCmd.AddCommand(processCmd)
}

var processCmd = &cobra.Command{
	Use:   "process [file or directory...]",
	Short: "Process chat log files in batch",
	Long:  "Parses, deduplicates, classifies and stores every message of the given files. Directories are searched with LOGS_GLOB; with no arguments LOGS_PATH is used.",
	RunE:  runProcess,
}

func runProcess(cmd *cobra.Command, args []string) error {
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

	if len(args) == 0 {
		args = []string{a.cfg.LogsPath}
	}
	files, err := collectLogFiles(args, a.cfg.LogsGlob)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Println("No chat logs found.")
		return nil
	}

	session := domain.NewSession("process")
	a.logger.Info("processing chat logs", "files", len(files), "session_id", session.ID)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tCOLLECTION\tPARSED\tNEW\tDUPLICATES\tALERTS\tREPORT")
	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		res, err := a.ingest.IngestFile(ctx, path, session)
		if err != nil {
			a.logger.Error("failed to process file", "file", path, "error", err)
			session.AddErrors(1)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			filepath.Base(path), res.Collection, res.Parsed, res.New, res.Duplicates, len(res.Batch.Alerts), res.ReportPath)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	printSession(session.Snapshot())

	stats := a.parser.Stats()
	fmt.Printf("Parser: %d lines, %.1f%% parsed\n", stats.TotalLines, stats.SuccessRate())

	users, err := a.messages.RiskyUsers(ctx, riskyUsersShown)
	if err != nil {
		a.logger.Warn("failed to list risky users", "error", err)
		return nil
	}
	if len(users) > 0 {
		fmt.Println()
		uw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(uw, "USER\tRISK\tMESSAGES\tTOXIC\tAVG TOXICITY")
		for _, u := range users {
			fmt.Fprintf(uw, "%s\t%s\t%d\t%d\t%.2f\n", u.Username, u.RiskLevel, u.TotalMessages, u.ToxicMessages, u.AvgToxicity)
		}
		return uw.Flush()
	}
	return nil
}

// collectLogFiles expands directories with pattern and keeps plain files as given.
func collectLogFiles(args []string, pattern string) ([]string, error) {
	var files []string
	seen := make(map[string]bool)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}

	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", arg, err)
		}
		if !info.IsDir() {
			add(arg)
			continue
		}
		matches, err := doublestar.Glob(os.DirFS(arg), pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("failed to search %s: %w", arg, err)
		}
		for _, m := range matches {
			add(filepath.Join(arg, filepath.FromSlash(m)))
		}
	}
	return files, nil
}

func printSession(s domain.SessionSnapshot) {
	fmt.Printf("\nSession %s: %d processed, %d duplicates, %d alerts, %d skipped, %d errors in %s (%.1f msg/s)\n",
		s.ID, s.Processed, s.Duplicates, s.Alerts, s.Skipped, s.Errors, s.Elapsed.Round(time.Millisecond), s.Rate)
}
