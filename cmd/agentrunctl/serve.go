package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/recera/agentrun/conversation"
	"github.com/recera/agentrun/stream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a development server exposing the demo pipeline over SSE/NDJSON",
	Long: `Starts a development server with streaming endpoints for exercising a
pipeline over HTTP.

Endpoints:
  POST /api/run   - runs the demo pipeline, streaming its events as SSE
                     (send Accept: application/x-ndjson for NDJSON instead)
  GET  /api/health - liveness check`,
	RunE: runServe,
}

var port string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&port, "port", "p", "8080", "Port to listen on")
}

type runRequest struct {
	Message string `json:"message"`
}

func runServe(cmd *cobra.Command, args []string) error {
	p, err := buildDemoPipeline()
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", handleHealth)
	mux.HandleFunc("/api/run", stream.Handler(p, prepareRunInput, 64))

	srv := &http.Server{Addr: ":" + port, Handler: logRequests(mux)}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("server shutdown error: %v", err)
		}
	}()

	log.Printf("agentrunctl dev server listening on http://localhost:%s", port)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func prepareRunInput(r *http.Request) (any, *conversation.Context, error) {
	if r.Method != http.MethodPost {
		return nil, nil, fmt.Errorf("method not allowed")
	}
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, nil, fmt.Errorf("invalid request body: %w", err)
	}
	if req.Message == "" {
		return nil, nil, fmt.Errorf("message is required")
	}
	return req.Message, conversation.New(8000, nil), nil
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "healthy",
		"version": version,
	})
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
