package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/aschepis/backscratcher/claude/config"
	"github.com/aschepis/backscratcher/claude/conversations"
	"github.com/aschepis/backscratcher/claude/llm"
	llmanthropic "github.com/aschepis/backscratcher/claude/llm/anthropic"
	clientlogger "github.com/aschepis/backscratcher/claude/logger"
	"github.com/aschepis/backscratcher/claude/migrations"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const usage = `usage: claude [flags] <command> [args]

commands:
  chat <prompt>          send a message and print the reply
  stream <prompt>        send a message and print the reply as it arrives
  count-tokens <prompt>  print the input token count of a message
  sessions               list stored sessions
  sessions rm <id>       delete a stored session
  models                 list known models and their output limits

flags:
`

// newSessionID asks for a fresh session.
const newSessionID = "new"

type options struct {
	configPath  string
	model       string
	maxTokens   int64
	system      string
	temperature float64
	session     string
	dbPath      string
	logFile     string
	pretty      bool
	logBodies   bool
	attachments stringList
}

// stringList collects a repeatable flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func main() {
	if err := run(); err != nil {
		var llmErr *llm.Error
		if errors.As(err, &llmErr) {
			fmt.Fprintf(os.Stderr, "Error: %s\n", llmErr.UserMessage())
			if os.Getenv(clientlogger.EnvLevel) == "debug" {
				fmt.Fprintln(os.Stderr, llmErr.DebugInfo())
			}
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flag.StringVar(&opts.configPath, "config", config.GetConfigPath(), "Path to config file")
	flag.StringVar(&opts.model, "model", "", "Model to use (overrides config)")
	flag.Int64Var(&opts.maxTokens, "max-tokens", 0, "Maximum tokens to generate (overrides config)")
	flag.StringVar(&opts.system, "system", "", "System prompt")
	flag.Float64Var(&opts.temperature, "temperature", -1, "Sampling temperature between 0 and 1")
	flag.StringVar(&opts.session, "session", "", `Session id to continue, or "new" to start one`)
	flag.StringVar(&opts.dbPath, "db", "", "Path to SQLite session database (overrides config)")
	flag.StringVar(&opts.logFile, "logfile", "", "Path to log file. If not set, logs to stderr")
	flag.BoolVar(&opts.pretty, "pretty", false, "Use pretty console output (only valid when logfile is not set)")
	flag.BoolVar(&opts.logBodies, "log-bodies", false, "Log request and response bodies at debug level")
	flag.Var(&opts.attachments, "attach", "Image or document to send with the prompt (repeatable)")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		return fmt.Errorf("missing command")
	}

	// Validate that --logfile and --pretty are mutually exclusive
	if opts.logFile != "" && opts.pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	applyFlags(cfg, opts)

	logger, closer, err := clientlogger.New(clientlogger.Options{File: cfg.Log.File, Pretty: cfg.Log.Pretty})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer closer.Close() //nolint:errcheck // No remedy for log close errors

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command, args := flag.Arg(0), flag.Args()[1:]
	switch command {
	case "models":
		return listModels(os.Stdout)
	case "sessions":
		return runSessions(ctx, cfg, logger, args)
	case "chat", "stream", "count-tokens":
		return runPrompt(ctx, cfg, opts, logger, command, strings.Join(args, " "))
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// applyFlags layers command line flags over the loaded configuration.
func applyFlags(cfg *config.Config, opts options) {
	if opts.model != "" {
		cfg.Anthropic.Model = opts.model
	}
	if opts.maxTokens > 0 {
		cfg.Anthropic.MaxTokens = opts.maxTokens
	}
	if opts.dbPath != "" {
		cfg.Sessions.DBPath = opts.dbPath
	}
	if opts.logFile != "" {
		cfg.Log.File = opts.logFile
		cfg.Log.Pretty = false
	}
	if opts.pretty {
		cfg.Log.Pretty = true
		cfg.Log.File = ""
	}
	if opts.logBodies {
		cfg.Log.Bodies = true
	}
}

func runPrompt(ctx context.Context, cfg *config.Config, opts options, logger zerolog.Logger, command, prompt string) error {
	if strings.TrimSpace(prompt) == "" && len(opts.attachments) == 0 {
		return fmt.Errorf("%s needs a prompt", command)
	}

	anthropicClient, err := config.NewAnthropicClient(cfg, logger)
	if err != nil {
		return err
	}

	var store *conversations.Store
	sessionID := opts.session
	if sessionID != "" {
		db, err := openStore(cfg.Sessions.DBPath, logger)
		if err != nil {
			return err
		}
		defer db.Close() //nolint:errcheck // No remedy for db close errors
		store = conversations.NewStore(db)
		if sessionID == newSessionID {
			sessionID = uuid.NewString()
			fmt.Fprintf(os.Stderr, "session: %s\n", sessionID)
		}
	}

	userMsg, err := promptMessage(prompt, opts.attachments)
	if err != nil {
		return err
	}

	builder := anthropicClient.NewRequest()
	if store != nil {
		history, err := store.LoadMessages(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("failed to load session %s: %w", sessionID, err)
		}
		builder.Messages(history...)
	}
	builder.Messages(userMsg)
	if opts.system != "" {
		builder.System(opts.system)
	}
	if opts.temperature >= 0 {
		builder.Temperature(opts.temperature)
	}
	req, err := builder.Build()
	if err != nil {
		return err
	}

	if command == "count-tokens" {
		count, err := anthropicClient.CountTokens(ctx, llm.CountTokensRequestFrom(req))
		if err != nil {
			return err
		}
		fmt.Println(count.InputTokens)
		return nil
	}

	client := llm.WrapWithMiddleware(anthropicClient, llm.NewLoggingMiddleware(logger, cfg.Log.Bodies))

	var resp *llm.Response
	if command == "stream" {
		stream, err := client.Stream(ctx, req)
		if err != nil {
			return err
		}
		resp, err = printStream(os.Stdout, stream)
		if err != nil {
			return err
		}
	} else {
		resp, err = client.Synchronous(ctx, req)
		if err != nil {
			return err
		}
		fmt.Println(resp.Text())
	}

	logger.Info().
		Str("model", resp.Model).
		Str("stop_reason", string(resp.StopReason)).
		Int64("input_tokens", resp.Usage.InputTokens).
		Int64("output_tokens", resp.Usage.OutputTokens).
		Msg("Response received")

	if store == nil {
		return nil
	}
	if err := store.AppendExchange(ctx, sessionID, userMsg, resp); err != nil {
		return fmt.Errorf("failed to save exchange: %w", err)
	}
	return nil
}

// promptMessage builds the user turn: attachments first, then the prompt.
func promptMessage(prompt string, attachments []string) (llm.Message, error) {
	blocks := make([]llm.ContentBlock, 0, len(attachments)+1)
	for _, path := range attachments {
		block, err := attachmentBlock(path)
		if err != nil {
			return llm.Message{}, err
		}
		blocks = append(blocks, block)
	}
	if strings.TrimSpace(prompt) != "" {
		blocks = append(blocks, llm.NewTextBlock(prompt))
	}
	return llm.Message{Role: llm.RoleUser, Content: blocks}, nil
}

// attachmentBlock loads path as an image or document. URLs are sent by
// reference.
func attachmentBlock(path string) (llm.ContentBlock, error) {
	isURL := strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
	if _, err := llm.ImageMediaType(path); err == nil {
		if isURL {
			return llm.NewImageURLBlock(path)
		}
		return llm.NewImageBlockFromFile(path)
	}
	if _, err := llm.DocumentMediaType(path); err == nil {
		if isURL {
			return llm.NewDocumentURLBlock(path)
		}
		return llm.NewDocumentBlockFromFile(path)
	}
	return llm.ContentBlock{}, fmt.Errorf("unsupported attachment %q", filepath.Base(path))
}

// printStream writes text to w as it arrives and returns the final response.
func printStream(w io.Writer, stream llm.Stream) (*llm.Response, error) {
	defer stream.Close() //nolint:errcheck // Stream is drained or failed

	var printed int
	for stream.Next() {
		snap := stream.Message()
		if snap == nil {
			continue
		}
		text := snap.Text()
		if len(text) > printed {
			fmt.Fprint(w, text[printed:])
			printed = len(text)
		}
	}
	if err := stream.Err(); err != nil {
		if printed > 0 {
			fmt.Fprintln(w)
		}
		return nil, err
	}
	fmt.Fprintln(w)

	resp := stream.Message()
	if resp == nil {
		return nil, llm.NewProtocolError("stream ended without a message")
	}
	return resp, nil
}

func runSessions(ctx context.Context, cfg *config.Config, logger zerolog.Logger, args []string) error {
	db, err := openStore(cfg.Sessions.DBPath, logger)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // No remedy for db close errors
	store := conversations.NewStore(db)

	if len(args) == 2 && args[0] == "rm" {
		deleted, err := store.DeleteSession(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d messages\n", deleted)
		return nil
	}
	if len(args) != 0 {
		return fmt.Errorf("usage: sessions [rm <id>]")
	}

	sessions, err := store.ListSessions(ctx)
	if err != nil {
		return err
	}
	return printSessions(os.Stdout, sessions)
}

func printSessions(w io.Writer, sessions []conversations.Session) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tMESSAGES\tUPDATED")
	rows := lo.Map(sessions, func(s conversations.Session, _ int) string {
		return fmt.Sprintf("%s\t%d\t%s", s.ID, s.Messages, s.UpdatedAt.Format(time.DateTime))
	})
	for _, row := range rows {
		fmt.Fprintln(tw, row)
	}
	return tw.Flush()
}

func listModels(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tMAX OUTPUT TOKENS")
	for _, model := range llmanthropic.KnownModels() {
		limit, _ := llmanthropic.MaxOutputTokens(model)
		fmt.Fprintf(tw, "%s\t%d\n", model, limit)
	}
	return tw.Flush()
}

// openStore opens the session database and brings its schema up to date.
func openStore(path string, logger zerolog.Logger) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	logger.Debug().Str("path", path).Msg("Opening session database")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := migrations.Run(db, logger); err != nil {
		db.Close() //nolint:errcheck // Cleanup on error
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}
