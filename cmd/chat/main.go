// Command chat answers rules questions read from standard input, one per
// line, until it reads "quit".
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/WessleyAI/rulesrag/engine/domain"
	"github.com/WessleyAI/rulesrag/engine/rag"
	"github.com/WessleyAI/rulesrag/pkg/config"
)

const quit = "quit"

var separator = strings.Repeat("=", 150)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	modeFlag := flag.String("mode", "", "answer mode: qa, judge, or cards (default from config)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config", "err", err)
		os.Exit(1)
	}
	if *modeFlag != "" {
		cfg.RAG.Mode = *modeFlag
	}
	mode, ok := domain.ParseMode(cfg.RAG.Mode)
	if !ok {
		logger.Error("unknown mode", "mode", cfg.RAG.Mode)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline, _, closeIndex, err := rag.Bootstrap(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap failed", "err", err)
		os.Exit(1)
	}
	defer closeIndex()

	if err := loop(ctx, os.Stdin, os.Stdout, pipeline, mode); err != nil {
		logger.Error("chat", "err", err)
		closeIndex()
		os.Exit(1)
	}
}

type answerer interface {
	AnswerMode(ctx context.Context, question string, mode domain.Mode) (*rag.Answer, error)
}

func promptFor(mode domain.Mode) string {
	if mode == domain.ModeCards {
		return "Enter cards (separate with '/'): "
	}
	return "Enter question: "
}

// loop reads lines from in until EOF or "quit". Failed questions are
// reported on out and do not end the session.
func loop(ctx context.Context, in io.Reader, out io.Writer, a answerer, mode domain.Mode) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, promptFor(mode))
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == quit {
			fmt.Fprintln(out, separator)
			return nil
		}
		if line != "" {
			answer, err := a.AnswerMode(ctx, line, mode)
			if err != nil {
				fmt.Fprintln(out, "Error:", err)
			} else {
				fmt.Fprintln(out, "Answer:", answer.Text)
			}
		}
		fmt.Fprintln(out, separator)
		if ctx.Err() != nil {
			return nil
		}
	}
}
