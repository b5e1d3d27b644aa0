package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/s33g/azure-chat/internal/config"
	"github.com/s33g/azure-chat/internal/llm"
	"github.com/s33g/azure-chat/internal/metrics"
	"github.com/s33g/azure-chat/internal/session"
)

// Exit codes
const (
	exitOK        = 0
	exitFailure   = 1
	exitRetryable = 2 // rate limited or transient; the same call may succeed later
)

func main() {
	os.Exit(run())
}

func run() int {
	// Parse flags
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	envPath := flag.String("env", ".env", "Path to a .env file with deployment secrets")
	deployment := flag.String("deployment", "", "Deployment to use (default from config)")
	stream := flag.Bool("stream", false, "Stream replies as they are generated")
	sessionID := flag.String("session", "", "Session ID to resume (requires redis)")
	prompt := flag.String("prompt", "", "Send one prompt and exit")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := config.LoadDotEnv(*envPath); err != nil {
		log.Error().Err(err).Msg("Failed to load environment file")
		return exitFailure
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Str("path", *configPath).Msg("Failed to load configuration")
		return exitFailure
	}

	logger := setupLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.ListenAddress != "" {
		shutdown := serveMetrics(cfg.Metrics.ListenAddress, logger)
		defer shutdown()
	}

	s, err := session.New(ctx, cfg, *configPath, *sessionID, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create session")
		return exitFailure
	}
	s.Start()
	defer s.Stop()

	if *deployment != "" {
		if err := s.SetDeployment(ctx, *deployment); err != nil {
			logger.Error().Err(err).Msg("Failed to select deployment")
			return exitFailure
		}
	}

	opts := session.AskOptions{Stream: *stream}

	if *prompt != "" {
		return exitCode(ask(ctx, s, *prompt, opts, os.Stdout))
	}

	fmt.Fprintf(os.Stderr, "Session %s on %s. Type /help for commands.\n", s.ID(), s.Deployment())
	return repl(ctx, s, opts, os.Stdin, os.Stdout)
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	if cfg.Level != "" {
		if level, err := zerolog.ParseLevel(cfg.Level); err == nil {
			zerolog.SetGlobalLevel(level)
		}
	}

	var logger zerolog.Logger
	if cfg.Format == "json" {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	}
	log.Logger = logger
	return logger
}

func serveMetrics(addr string, logger zerolog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("address", addr).Msg("Serving metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
}

func ask(ctx context.Context, s *session.Session, prompt string, opts session.AskOptions, out io.Writer) error {
	if opts.Stream {
		opts.OnDelta = func(delta string) { fmt.Fprint(out, delta) }
	}

	reply, err := s.Ask(ctx, prompt, opts)
	if err != nil {
		reportError(err)
		return err
	}

	if opts.Stream {
		fmt.Fprintln(out)
	} else {
		fmt.Fprintln(out, reply.Content)
	}
	if reply.FinishReason != "" && reply.FinishReason != "stop" {
		fmt.Fprintf(os.Stderr, "(finish reason: %s)\n", reply.FinishReason)
	}
	return nil
}

func reportError(err error) {
	var cerr *llm.CallError
	if !errors.As(err, &cerr) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}

	switch cerr.Kind {
	case llm.KindRateLimited:
		fmt.Fprint(os.Stderr, "rate limited")
	case llm.KindRetryable:
		fmt.Fprint(os.Stderr, "temporary failure")
	default:
		fmt.Fprint(os.Stderr, "request failed")
	}
	if msg := llm.ErrorMessage(cerr.Body); msg != "" {
		fmt.Fprintf(os.Stderr, ": %s", msg)
	} else {
		fmt.Fprintf(os.Stderr, ": %s", cerr.Message)
	}
	if cerr.RetryAfter > 0 {
		fmt.Fprintf(os.Stderr, " (retry after %s)", cerr.RetryAfter.Round(time.Millisecond))
	}
	fmt.Fprintln(os.Stderr)
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var cerr *llm.CallError
	if errors.As(err, &cerr) && (cerr.Kind == llm.KindRateLimited || cerr.Kind == llm.KindRetryable) {
		return exitRetryable
	}
	return exitFailure
}

const helpText = `Commands:
  /deployment [name]  show or switch the deployment
  /deployments        list deployments
  /stream             toggle streaming
  /history            show the conversation
  /usage              show today's token usage
  /reset              forget the conversation
  /delete             delete the session and exit
  /quit               exit`

func repl(ctx context.Context, s *session.Session, opts session.AskOptions, in io.Reader, out io.Writer) int {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Fprint(os.Stderr, "> ")

		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr)
			return exitOK
		case l, ok := <-lines:
			if !ok {
				return exitOK
			}
			line = strings.TrimSpace(l)
		}

		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			ask(ctx, s, line, opts, out)
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)

		switch cmd {
		case "/quit", "/exit":
			return exitOK
		case "/help":
			fmt.Fprintln(out, helpText)
		case "/deployments":
			for _, name := range s.Deployments() {
				marker := " "
				if name == s.Deployment() {
					marker = "*"
				}
				fmt.Fprintf(out, "%s %s\n", marker, name)
			}
		case "/deployment":
			if arg == "" {
				fmt.Fprintln(out, s.Deployment())
				continue
			}
			if err := s.SetDeployment(ctx, arg); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
		case "/stream":
			opts.Stream = !opts.Stream
			fmt.Fprintf(out, "streaming %v\n", opts.Stream)
		case "/history":
			history, err := s.History(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				continue
			}
			for _, m := range history {
				fmt.Fprintf(out, "[%s] %s\n", m.Role, m.Content)
			}
		case "/usage":
			totals, err := s.Usage(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "%s today: %d requests, %d prompt + %d completion = %d tokens\n",
				s.Deployment(), totals.Requests, totals.PromptTokens, totals.CompletionTokens, totals.TotalTokens)
		case "/delete":
			if err := s.Delete(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "deleted session %s\n", s.ID())
			return exitOK
		case "/reset":
			if err := s.Reset(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command %s, try /help\n", cmd)
		}
	}
}
