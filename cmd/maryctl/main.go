package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/loqalabs/loqa-mary/internal/config"
	"github.com/loqalabs/loqa-mary/internal/mary"
	"github.com/loqalabs/loqa-mary/internal/wavutil"
	"github.com/mattn/go-shellwords"
)

var version = "0.1.0-dev"

const usage = "usage: maryctl <voices|g2p|synth|batch|version> [flags] [args]"

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

type cli struct {
	stdout io.Writer
	stderr io.Writer
	// inBatch rejects nested batch files.
	inBatch bool
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	c := &cli{stdout: stdout, stderr: stderr}
	if err := c.dispatch(ctx, args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		var usageErr usageError
		if errors.As(err, &usageErr) {
			return 2
		}
		return 1
	}
	return 0
}

type usageError string

func (e usageError) Error() string { return string(e) }

func (c *cli) dispatch(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError(usage)
	}
	switch args[0] {
	case "voices":
		return c.runVoices(ctx, args[1:])
	case "g2p":
		return c.runG2P(ctx, args[1:])
	case "synth":
		return c.runSynth(ctx, args[1:])
	case "batch":
		if c.inBatch {
			return usageError("batch files cannot nest")
		}
		return c.runBatch(ctx, args[1:])
	case "version":
		fmt.Fprintln(c.stdout, version)
		return nil
	default:
		return usageError(fmt.Sprintf("unknown command %q\n%s", args[0], usage))
	}
}

// clientFlags are shared by every command that talks to the server.
type clientFlags struct {
	configPath string
	host       string
	port       int
	locale     string
	voice      string
	timeout    time.Duration
	verbose    bool
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *clientFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	cf := &clientFlags{}
	fs.StringVar(&cf.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&cf.host, "host", "", "MaryTTS host (overrides config)")
	fs.IntVar(&cf.port, "port", 0, "MaryTTS port (overrides config)")
	fs.StringVar(&cf.locale, "locale", "", "Locale (overrides config)")
	fs.StringVar(&cf.voice, "voice", "", "Voice (overrides config)")
	fs.DurationVar(&cf.timeout, "timeout", 0, "Request timeout (overrides config)")
	fs.BoolVar(&cf.verbose, "v", false, "Log requests to stderr")
	return fs, cf
}

// parseFlags passes flag.ErrHelp through so -h exits cleanly; other parse
// failures are usage errors.
func parseFlags(fs *flag.FlagSet, args []string) error {
	err := fs.Parse(args)
	if err == nil || errors.Is(err, flag.ErrHelp) {
		return err
	}
	return usageError(err.Error())
}

func (c *cli) client(cf *clientFlags) (*mary.Client, error) {
	cfg, err := config.Load(cf.configPath)
	if err != nil {
		return nil, err
	}
	mc := mary.Config{
		Host:    cfg.Mary.Host,
		Port:    cfg.Mary.Port,
		Locale:  cfg.Mary.Locale,
		Voice:   cfg.Mary.Voice,
		Timeout: time.Duration(cfg.Mary.TimeoutMS) * time.Millisecond,
	}
	if cf.timeout > 0 {
		mc.Timeout = cf.timeout
	}
	level := slog.LevelWarn
	if cf.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(c.stderr, &slog.HandlerOptions{Level: level}))

	client := mary.New(mc, mary.WithLogger(logger))
	if cf.host != "" {
		client.SetHost(cf.host)
	}
	if cf.port > 0 {
		client.SetPort(cf.port)
	}
	if cf.locale != "" {
		client.SetLocale(cf.locale)
	}
	if cf.voice != "" {
		client.SetVoice(cf.voice)
	}
	return client, nil
}

func (c *cli) runVoices(ctx context.Context, args []string) error {
	fs, cf := newFlagSet("voices", c.stderr)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	client, err := c.client(cf)
	if err != nil {
		return err
	}
	voices, err := client.Voices(ctx)
	if err != nil {
		return err
	}
	for _, v := range voices {
		fmt.Fprintln(c.stdout, strings.Join(v, " "))
	}
	return nil
}

func (c *cli) runG2P(ctx context.Context, args []string) error {
	fs, cf := newFlagSet("g2p", c.stderr)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return usageError("usage: maryctl g2p [flags] <text>")
	}
	client, err := c.client(cf)
	if err != nil {
		return err
	}
	phonemes, err := client.TextToPhonemes(ctx, strings.Join(fs.Args(), " "))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, phonemes)
	return nil
}

func (c *cli) runSynth(ctx context.Context, args []string) error {
	fs, cf := newFlagSet("synth", c.stderr)
	format := fs.String("format", "text", "Input format: text or phonemes")
	out := fs.String("out", "out.wav", "Output WAVE file, - for stdout")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return usageError("usage: maryctl synth [-format text|phonemes] [-out file] <text>")
	}
	f, err := mary.ParseFormat(*format)
	if err != nil {
		return usageError(err.Error())
	}
	client, err := c.client(cf)
	if err != nil {
		return err
	}
	audio, err := client.Synthesize(ctx, strings.Join(fs.Args(), " "), f)
	if err != nil {
		return err
	}

	info, err := wavutil.Inspect(audio)
	if err != nil {
		return fmt.Errorf("server returned unreadable audio: %w", err)
	}
	if *out == "-" {
		_, err = c.stdout.Write(audio)
		return err
	}
	if err := os.WriteFile(*out, audio, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}
	fmt.Fprintf(c.stdout, "%s: %d Hz, %d ch, %d-bit, %s\n", *out, info.SampleRate, info.Channels, info.BitDepth, info.Duration)
	return nil
}

// runBatch executes one command per line. Blank lines and lines starting with
// # are skipped; the first failing line stops the batch.
func (c *cli) runBatch(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usageError("usage: maryctl batch <file>")
	}
	var r io.Reader
	if args[0] == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	c.inBatch = true
	defer func() { c.inBatch = false }()

	parser := shellwords.NewParser()
	parser.ParseEnv = true
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		words, err := parser.Parse(text)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := c.dispatch(ctx, words); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	return scanner.Err()
}
