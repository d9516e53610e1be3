// Command ingest chunks the rules corpus and builds the persisted index.
// With -watch it keeps polling the corpus and rebuilds when it changes.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WessleyAI/rulesrag/engine/domain"
	"github.com/WessleyAI/rulesrag/engine/index"
	"github.com/WessleyAI/rulesrag/engine/llm"
	"github.com/WessleyAI/rulesrag/engine/rag"
	"github.com/WessleyAI/rulesrag/pkg/config"
	"github.com/WessleyAI/rulesrag/pkg/metrics"
)

var met = metrics.Default

var (
	mScans       = met.Counter("rulesrag_ingest_scans_total", "Corpus scans")
	mRebuilds    = met.Counter("rulesrag_ingest_rebuilds_total", "Index rebuilds after a corpus change")
	mErrorsTotal = func(stage string) *metrics.Counter {
		return met.Counter(metrics.WithLabels("rulesrag_ingest_errors_total", "stage", stage), "Ingest errors")
	}
	mRecords  = met.Gauge("rulesrag_ingest_index_records", "Records in the published index")
	mLastScan = met.Gauge("rulesrag_ingest_last_scan_timestamp", "Epoch of last corpus scan")
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to YAML config file")
		rebuild     = flag.Bool("rebuild", false, "discard the existing index and build anew")
		interval    = flag.Duration("watch", 0, "poll the corpus at this interval and rebuild on change (0 runs once)")
		metricsPort = flag.Int("metrics-port", 0, "serve /metrics on this port while watching (0 disables)")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("config", "error", err)
		os.Exit(1)
	}
	if *rebuild {
		cfg.Index.Rebuild = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *interval, *metricsPort, os.Stdout, log); err != nil {
		log.Error("ingest failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, interval time.Duration, metricsPort int, out io.Writer, log *slog.Logger) error {
	embedder, err := llm.NewEmbedder(ctx, cfg.Embed, met)
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	h, closeIndex, err := rag.OpenIndex(ctx, cfg, embedder, log)
	if err != nil {
		mErrorsTotal("build").Inc()
		return err
	}
	defer closeIndex()

	mRecords.Set(int64(h.Manifest().Count))
	if err := printManifest(out, h.Manifest()); err != nil {
		return err
	}
	if interval <= 0 {
		return nil
	}

	if metricsPort > 0 {
		go func() {
			addr := fmt.Sprintf(":%d", metricsPort)
			if err := http.ListenAndServe(addr, met.Handler()); err != nil {
				log.Error("metrics server", "error", err)
			}
		}()
	}

	log.Info("watching corpus", "paths", cfg.Corpus.Paths, "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case <-ticker.C:
			changed, err := refresh(ctx, cfg.Corpus, h, log)
			if err != nil {
				log.Error("refresh failed, keeping previous index", "error", err)
				continue
			}
			if changed {
				reportRebuild(out, h.Manifest(), log)
			}
		}
	}
}

// refresh re-chunks the corpus and rebuilds h when its fingerprint no
// longer matches the published manifest.
func refresh(ctx context.Context, corpus config.CorpusConfig, h *index.Handle, log *slog.Logger) (bool, error) {
	mScans.Inc()
	mLastScan.Set(time.Now().Unix())

	chunks, err := rag.LoadCorpus(ctx, corpus, log)
	if err != nil {
		mErrorsTotal("chunk").Inc()
		return false, err
	}
	if index.Fingerprint(chunks) == h.Manifest().Fingerprint {
		return false, nil
	}
	log.Info("corpus changed; rebuilding index", "chunks", len(chunks))
	if err := h.Rebuild(ctx, chunks); err != nil {
		mErrorsTotal("build").Inc()
		return false, err
	}
	mRebuilds.Inc()
	return true, nil
}

// reportRebuild publishes a rebuilt manifest. The index is already swapped,
// so a failed write is logged rather than ending the watch.
func reportRebuild(out io.Writer, m domain.Manifest, log *slog.Logger) {
	mRecords.Set(int64(m.Count))
	if err := printManifest(out, m); err != nil {
		log.Error("print manifest", "error", err)
	}
}

func printManifest(w io.Writer, m domain.Manifest) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}
