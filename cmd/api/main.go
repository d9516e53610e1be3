// Package main implements the rulesrag API server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WessleyAI/rulesrag/engine/domain"
	"github.com/WessleyAI/rulesrag/engine/index"
	"github.com/WessleyAI/rulesrag/engine/rag"
	"github.com/WessleyAI/rulesrag/pkg/config"
	"github.com/WessleyAI/rulesrag/pkg/metrics"
	"github.com/WessleyAI/rulesrag/pkg/mid"
	"github.com/WessleyAI/rulesrag/pkg/natsutil"
	"github.com/nats-io/nats.go"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline, handle, closeIndex, err := rag.Bootstrap(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer closeIndex()

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("rulesrag-api"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()
		if err := serveNATS(ctx, nc, cfg, pipeline, handle, logger); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      newHandler(&server{answers: pipeline, index: handle, logger: logger}, cfg.Server.CORSOrigin, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Chat.Timeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Server.Port, "mode", pipeline.Mode())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// answerer is the part of rag.Pipeline the handlers use.
type answerer interface {
	Mode() domain.Mode
	AnswerMode(ctx context.Context, question string, mode domain.Mode) (*rag.Answer, error)
	AnswerCards(ctx context.Context, names []string) (*rag.Answer, error)
}

// indexInfo is the part of index.Handle the handlers use.
type indexInfo interface {
	Manifest() domain.Manifest
	Count(ctx context.Context) (int, error)
}

var _ indexInfo = (*index.Handle)(nil)

type server struct {
	answers answerer
	index   indexInfo
	logger  *slog.Logger
}

func newHandler(s *server, corsOrigin string, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /api/ask", s.handleAsk)
	mux.HandleFunc("POST /api/cards", s.handleCards)
	mux.HandleFunc("GET /api/index", s.handleIndex)
	mux.Handle("GET /metrics", metrics.Default.Handler())

	// OTel replaces the request with a traced copy, so it runs first; the
	// mux must see the same *http.Request as Metrics to report its route.
	return mid.Chain(mux,
		mid.OTel("rulesrag-api"),
		mid.Recover(logger),
		mid.Logger(logger),
		mid.Metrics(metrics.Default),
		mid.CORS(corsOrigin),
	)
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// AskRequest is the JSON body for POST /api/ask.
type AskRequest struct {
	Question string `json:"question"`
	Mode     string `json:"mode,omitempty"`
}

// CardsRequest is the JSON body for POST /api/cards.
type CardsRequest struct {
	Cards []string `json:"cards"`
}

// AskResponse is the JSON response for POST /api/ask and POST /api/cards.
type AskResponse struct {
	Answer  string       `json:"answer"`
	Sources []rag.Source `json:"sources"`
	Mode    domain.Mode  `json:"mode"`
	Model   string       `json:"model,omitempty"`
}

// IndexResponse is the JSON response for GET /api/index.
type IndexResponse struct {
	Manifest domain.Manifest `json:"manifest"`
	Count    int             `json:"count"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	mode := s.answers.Mode()
	if req.Mode != "" {
		m, ok := domain.ParseMode(req.Mode)
		if !ok {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown mode " + req.Mode})
			return
		}
		mode = m
	}
	answer, err := s.answers.AnswerMode(r.Context(), req.Question, mode)
	s.respond(w, answer, err)
}

func (s *server) handleCards(w http.ResponseWriter, r *http.Request) {
	var req CardsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	answer, err := s.answers.AnswerCards(r.Context(), req.Cards)
	s.respond(w, answer, err)
}

func (s *server) handleIndex(w http.ResponseWriter, r *http.Request) {
	n, err := s.index.Count(r.Context())
	if err != nil {
		s.logger.Error("index count failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "index unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, IndexResponse{Manifest: s.index.Manifest(), Count: n})
}

func (s *server) respond(w http.ResponseWriter, answer *rag.Answer, err error) {
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("rag query failed", "err", err)
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, toResponse(answer))
}

func toResponse(a *rag.Answer) AskResponse {
	return AskResponse{Answer: a.Text, Sources: a.Sources, Mode: a.Mode, Model: a.Model}
}

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrCardNotFound):
		return http.StatusNotFound
	case errors.Is(err, rag.ErrCardsDisabled):
		return http.StatusNotImplemented
	case domain.IsTimeout(err):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrDimensionMismatch), errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// --- NATS ---

// RebuildRequest is the payload for the rebuild subject.
type RebuildRequest struct {
	Reason string `json:"reason,omitempty"`
}

// NATSReply is the reply sent on the ask subject.
type NATSReply struct {
	AskResponse
	Error string `json:"error,omitempty"`
}

func serveNATS(ctx context.Context, nc *nats.Conn, cfg config.Config, p answerer, h *index.Handle, logger *slog.Logger) error {
	if cfg.NATS.Subject != "" {
		if _, err := natsutil.Respond(nc, cfg.NATS.Subject, "rulesrag", askResponder(p)); err != nil {
			return fmt.Errorf("nats respond %s: %w", cfg.NATS.Subject, err)
		}
		logger.Info("nats responder listening", "subject", cfg.NATS.Subject)
	}
	if cfg.NATS.RebuildSubject != "" {
		_, err := natsutil.Subscribe(nc, cfg.NATS.RebuildSubject, func(_ context.Context, req RebuildRequest) {
			logger.Info("index rebuild requested", "reason", req.Reason)
			if err := rag.Reindex(ctx, cfg.Corpus, h, logger); err != nil {
				logger.Error("index rebuild failed", "err", err)
				return
			}
			logger.Info("index rebuilt", "count", h.Manifest().Count)
		})
		if err != nil {
			return fmt.Errorf("nats subscribe %s: %w", cfg.NATS.RebuildSubject, err)
		}
	}
	return nil
}

func askResponder(p answerer) func(context.Context, AskRequest) NATSReply {
	return func(ctx context.Context, req AskRequest) NATSReply {
		mode := p.Mode()
		if req.Mode != "" {
			m, ok := domain.ParseMode(req.Mode)
			if !ok {
				return NATSReply{Error: "unknown mode " + req.Mode}
			}
			mode = m
		}
		answer, err := p.AnswerMode(ctx, req.Question, mode)
		if err != nil {
			return NATSReply{Error: err.Error()}
		}
		return NATSReply{AskResponse: toResponse(answer)}
	}
}
