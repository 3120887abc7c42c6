// Command docstored runs an in-memory document store and analysis endpoint
// for local development. Nothing is persisted.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/matheus3301/chatsync/internal/analysis"
	"github.com/matheus3301/chatsync/internal/remote"
	"go.uber.org/zap"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8787", "listen address")
	seed := flag.String("seed", "", "JSON file with documents to load at startup")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	mem := remote.NewMemory()
	if *seed != "" {
		n, err := load(mem, *seed)
		if err != nil {
			logger.Fatal("seed", zap.Error(err))
		}
		logger.Info("seeded documents", zap.Int("count", n))
	}

	r := mux.NewRouter()
	r.Handle("/v1/analyze", analysis.Handler(analysis.DefaultKeywords)).Methods(http.MethodPost)
	r.PathPrefix("/").Handler(remote.NewServer(mem, logger.Named("docstore")))

	srv := &http.Server{Addr: *addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("document store emulator listening", zap.String("addr", *addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("serve", zap.Error(err))
	}
}

// load upserts every document of a JSON array of {"path", "fields"} objects.
func load(mem *remote.Memory, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var docs []remote.Document
	if err := json.Unmarshal(data, &docs); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, d := range docs {
		if err := mem.Upsert(context.Background(), d.Path, d.Fields, remote.UpsertOptions{}); err != nil {
			return 0, fmt.Errorf("upsert %s: %w", d.Path, err)
		}
	}
	return len(docs), nil
}
