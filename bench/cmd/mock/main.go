// Command mock runs a fake chat-completions backend. Point relay backends
// at several instances with distinct ids to load test selection, fallback,
// and TTFT deadlines locally.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelrelay/modelrelay/bench/internal/mock"
)

func main() {
	port := flag.Int("port", 8080, "port to listen on")
	id := flag.String("id", "mock", "backend id stamped into completion ids")
	ttft := flag.Duration("ttft", 30*time.Millisecond, "delay before the first streamed chunk")
	latency := flag.Duration("latency", 50*time.Millisecond, "delay before buffered responses")
	errorRate := flag.Float64("error-rate", 0, "probability of answering 502 (0.0 to 1.0)")
	flag.Parse()

	server := mock.NewServer(*id)
	server.TTFT = *ttft
	server.Latency = *latency
	server.ErrorRate = *errorRate

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("shutting down mock backend")
		httpServer.Close()
	}()

	log.Printf("mock backend %q listening on %s", *id, httpServer.Addr)
	log.Printf("  ttft=%v latency=%v error-rate=%.2f", *ttft, *latency, *errorRate)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}
