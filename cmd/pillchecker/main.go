package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/pillchecker/internal/check"
	"github.com/zombor/pillchecker/internal/gateway"
	"github.com/zombor/pillchecker/internal/history"
	"github.com/zombor/pillchecker/internal/scanning"
	"github.com/zombor/pillchecker/internal/session"
	"github.com/zombor/pillchecker/internal/suggest"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("pillchecker")
	var (
		port        = fs.IntLong("port", 8080, "HTTP server port")
		storeType   = fs.StringLong("store", "bolt", "History store: 'bolt' or 'sqlite'")
		dbPath      = fs.StringLong("db", "pillchecker.db", "History database file path")
		apiURL      = fs.StringLong("api-url", "http://localhost:8000", "Analysis service base URL")
		apiTimeout  = fs.DurationLong("api-timeout", gateway.DefaultTimeout, "Analysis service request timeout")
		rxnormURL   = fs.StringLong("rxnorm-url", suggest.DefaultRxNormURL, "RxNorm REST API base URL")
		suggestMax  = fs.IntLong("suggest-max", 5, "Maximum number of name suggestions")
		ocrType     = fs.StringLong("ocr", "gemini", "OCR engine: 'gemini' or 'ollama'")
		geminiKey   = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL   = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel = fs.StringLong("ollama-model", "qwen2.5vl", "Ollama vision model name (e.g., qwen2.5vl, llava, minicpm-v)")
		sessionTTL  = fs.DurationLong("session-ttl", 30*time.Minute, "Idle time before an unsaved check session is discarded")
		logLevel    = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		_           = fs.StringLong("config", "", "Config file (one 'flag value' per line)")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("PILLCHECKER"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithConfigAllowMissingFile(),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	var level slog.LevelVar
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid log level %q\n", *logLevel)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	// History store is opened on first use; if it cannot be opened checks
	// still run but cannot be saved
	var open history.Opener
	switch *storeType {
	case "bolt":
		open = func() (history.Store, error) { return history.NewBoltStore(*dbPath) }
	case "sqlite":
		open = func() (history.Store, error) { return history.NewSQLiteStore(*dbPath) }
	default:
		slog.Error("Invalid store type", "type", *storeType, "valid", "bolt or sqlite")
		os.Exit(1)
	}
	store := history.NewLazy(open)
	defer store.Close()

	// Recognition engine is started on the first scan
	var openRecognizer func() (scanning.Recognizer, error)
	switch *ocrType {
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Using Gemini for OCR", "model", *geminiModel)
		openRecognizer = func() (scanning.Recognizer, error) {
			return scanning.NewGemini(apiKey, *geminiModel)
		}
	case "ollama":
		slog.Info("Using Ollama for OCR", "url", *ollamaURL, "model", *ollamaModel)
		openRecognizer = func() (scanning.Recognizer, error) {
			return scanning.NewOllama(*ollamaURL, *ollamaModel)
		}
	default:
		slog.Error("Invalid OCR engine", "type", *ocrType, "valid", "gemini or ollama")
		os.Exit(1)
	}
	engine := scanning.NewEngine(openRecognizer)
	defer engine.Close()

	gw := gateway.NewClient(*apiURL, *apiTimeout)
	resolver := suggest.NewResolver(suggest.NewRxNorm(*rxnormURL, *suggestMax), time.Hour)

	sessions := check.NewSessions(*sessionTTL, session.NewCacheStore(*sessionTTL), engine, gw)
	defer sessions.Close()

	server := check.NewServer(check.NewService(gw, store), sessions, resolver)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	httpServer := server.NewHTTPServer(addr)
	go func() {
		slog.Info("Starting server", "address", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("Shutdown error", "error", err)
	}
}
