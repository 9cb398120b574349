package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	users = []string{"alice", "bob", "carol", "dave", "eve", "mallory", "trent", "NiaghtMares", ""}
	lines = []string{
		"hello chat",
		"gg wp",
		"what game is this?",
		"LUL",
		"you are terrible at this game",
		"buy followers at cheap-followers dot com",
		"nobody likes you, just quit",
		"first time here, love the stream",
	}
)

func main() {
	out := flag.String("out", "", "chat log file to append to")
	targetURL := flag.String("url", "", "ingest endpoint, e.g. http://localhost:8080/v1/lines")
	source := flag.String("source", "chatgen.log", "source name sent with each request")
	apiKey := flag.String("api-key", "supersecretkey", "API Key for authentication")
	concurrency := flag.Int("c", 4, "Number of concurrent workers")
	duration := flag.Duration("d", 30*time.Second, "Duration of the run")
	rps := flag.Int("rps", 50, "Lines per second limit")
	batch := flag.Int("batch", 10, "Lines per request")
	flag.Parse()

	if (*out == "") == (*targetURL == "") {
		log.Fatal("exactly one of -out or -url is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	limiter := rate.NewLimiter(rate.Limit(*rps), *batch)
	runID := uuid.NewString()[:8]

	var sent, failed atomic.Int64
	start := time.Now()

	if *out != "" {
		log.Printf("Appending chat to %s at %d lines/s", *out, *rps)
		if err := appendLines(ctx, *out, limiter, runID, &sent); err != nil {
			log.Fatalf("failed to write %s: %v", *out, err)
		}
	} else {
		log.Printf("Posting chat to %s, concurrency %d, %d lines/s", *targetURL, *concurrency, *rps)
		var wg sync.WaitGroup
		for i := 0; i < *concurrency; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				postLines(ctx, *targetURL, *source, *apiKey, *batch, limiter, runID, &sent, &failed)
			}()
		}
		wg.Wait()
	}

	elapsed := time.Since(start).Seconds()
	log.Println("Chat generation finished.")
	log.Printf("Lines sent: %d", sent.Load())
	log.Printf("Failed requests: %d", failed.Load())
	log.Printf("Actual lines/s: %.2f", float64(sent.Load())/elapsed)
}

// chatLine renders one line in the timestamped chat log format.
func chatLine(runID string) string {
	user := users[rand.IntN(len(users))]
	text := lines[rand.IntN(len(lines))]
	if rand.IntN(4) == 0 {
		text = fmt.Sprintf("%s (%s-%d)", text, runID, rand.IntN(1_000_000))
	}
	return fmt.Sprintf("[%s] %s: %s", time.Now().Format("2006-01-02 15:04:05"), user, text)
}

func appendLines(ctx context.Context, path string, limiter *rate.Limiter, runID string, sent *atomic.Int64) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		if _, err := fmt.Fprintln(f, chatLine(runID)); err != nil {
			return err
		}
		sent.Add(1)
	}
}

func postLines(ctx context.Context, target, source, apiKey string, batch int, limiter *rate.Limiter, runID string, sent, failed *atomic.Int64) {
	client := &http.Client{Timeout: 60 * time.Second}

	for {
		if err := limiter.WaitN(ctx, batch); err != nil {
			return
		}

		var body strings.Builder
		for i := 0; i < batch; i++ {
			body.WriteString(chatLine(runID))
			body.WriteByte('\n')
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target+"?source="+url.QueryEscape(source), bytes.NewBufferString(body.String()))
		if err != nil {
			continue
		}
		req.Header.Set("Content-Type", "text/plain")
		req.Header.Set("X-API-Key", apiKey)

		resp, err := client.Do(req)
		if err != nil {
			failed.Add(1)
			continue
		}
		if resp.StatusCode == http.StatusAccepted {
			sent.Add(int64(batch))
		} else {
			failed.Add(1)
		}
		resp.Body.Close()
	}
}
