// Command runner fires synthetic chat-completion traffic at a relay and
// prints latency, TTFT, and backend-split summaries.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/modelrelay/modelrelay/bench/internal/runner"
)

func main() {
	os.Exit(run())
}

func run() int {
	target := flag.String("target", "http://localhost:51818", "relay base URL")
	token := flag.String("token", "", "caller api key sent as Bearer")
	model := flag.String("model", "gpt-4", "model name to request")
	requests := flag.Int("requests", 1000, "total number of requests")
	concurrency := flag.Int("concurrency", 50, "number of concurrent workers")
	stream := flag.Bool("stream", false, "request SSE responses and measure TTFT")
	name := flag.String("name", "loadrun", "run label")
	output := flag.String("output", "bench/results", "output directory for JSON results")
	flag.Parse()

	cfg := runner.Config{
		Target:      *target,
		Token:       *token,
		Model:       *model,
		Requests:    *requests,
		Concurrency: *concurrency,
		Stream:      *stream,
		Name:        *name,
	}

	log.Printf("starting load run %q against %s (requests=%d concurrency=%d stream=%v)",
		*name, *target, *requests, *concurrency, *stream)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	result, err := runner.NewRunner(cfg).Run(ctx)
	if err != nil {
		log.Printf("load run failed: %v", err)
		return 1
	}

	runner.PrintResult(os.Stdout, result)

	if err := os.MkdirAll(*output, 0o755); err != nil {
		log.Printf("warning: failed to create output directory: %v", err)
		return 0
	}
	path := filepath.Join(*output, fmt.Sprintf("%s_%s.json", *name, time.Now().Format("20060102_150405")))
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.Printf("warning: failed to marshal results: %v", err)
		return 0
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Printf("warning: failed to save results: %v", err)
	} else {
		log.Printf("results saved to %s", path)
	}

	return 0
}
