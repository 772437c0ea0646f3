package mary

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	inputText     = "TEXT"
	inputPhonemes = "PHONEMES"
	outputPhoneme = "PHONEMES"
	outputAudio   = "AUDIO"
	audioWave     = "WAVE_FILE"

	// maxErrorBody caps how much of a failed response is kept on the error.
	maxErrorBody = 4 << 10
)

// Client talks to a MaryTTS server over its HTTP API.
type Client struct {
	mu         sync.RWMutex
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	inst       *instruments
}

type Option func(*Client)

// WithHTTPClient replaces the transport used for every request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a client. Zero fields of cfg are replaced by the defaults.
func New(cfg Config, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "mary-client"))
	c.inst = newInstruments(c.logger)
	return c
}

// Clone returns an independent client with the same configuration and transport.
func (c *Client) Clone() *Client {
	return &Client{
		cfg:        c.Config(),
		httpClient: c.httpClient,
		logger:     c.logger,
		inst:       c.inst,
	}
}

// WithVoice returns a clone using locale and voice; empty values keep the
// current setting.
func (c *Client) WithVoice(locale, voice string) *Client {
	clone := c.Clone()
	if locale != "" {
		clone.cfg.Locale = locale
	}
	if voice != "" {
		clone.cfg.Voice = voice
	}
	return clone
}

// Config returns a snapshot of the current configuration.
func (c *Client) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

func (c *Client) Host() string { return c.Config().Host }

func (c *Client) SetHost(host string) {
	c.mu.Lock()
	c.cfg.Host = host
	c.mu.Unlock()
}

func (c *Client) Port() int { return c.Config().Port }

func (c *Client) SetPort(port int) {
	c.mu.Lock()
	c.cfg.Port = port
	c.mu.Unlock()
}

func (c *Client) Locale() string { return c.Config().Locale }

func (c *Client) SetLocale(locale string) {
	c.mu.Lock()
	c.cfg.Locale = locale
	c.mu.Unlock()
}

func (c *Client) Voice() string { return c.Config().Voice }

func (c *Client) SetVoice(voice string) {
	c.mu.Lock()
	c.cfg.Voice = voice
	c.mu.Unlock()
}

// TextToPhonemes asks the server for the phonemic transcription of word.
func (c *Client) TextToPhonemes(ctx context.Context, word string) (string, error) {
	return c.textToPhonemes(ctx, c.Config(), word)
}

func (c *Client) textToPhonemes(ctx context.Context, cfg Config, word string) (phonemes string, err error) {
	ctx, span := c.inst.tracer.Start(ctx, "mary.g2p", trace.WithSpanKind(trace.SpanKindClient))
	start := time.Now()
	defer func() { c.inst.finish(ctx, span, "g2p", start, err) }()

	body, err := c.process(ctx, cfg, strings.ToLower(word), inputText, outputPhoneme)
	if err != nil {
		return "", err
	}
	phonemes, err = parsePhonemes(body)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("mary.phonemes", phonemes))
	return phonemes, nil
}

// Synthesize renders text to WAVE audio. With FormatText (or an empty format)
// the text is first transcribed with TextToPhonemes; with FormatPhonemes it is
// sent verbatim as the phoneme string.
func (c *Client) Synthesize(ctx context.Context, text string, format Format) (wav []byte, err error) {
	cfg := c.Config()
	ctx, span := c.inst.tracer.Start(ctx, "mary.synthesize", trace.WithSpanKind(trace.SpanKindClient))
	start := time.Now()
	defer func() {
		if err != nil {
			c.logger.Warn("synthesis failed", slog.String("voice", cfg.Voice), slogError(err))
		}
		c.inst.finish(ctx, span, "synthesize", start, err)
	}()

	var phonemes string
	switch format {
	case "", FormatText:
		phonemes, err = c.textToPhonemes(ctx, cfg, text)
		if err != nil {
			return nil, err
		}
	case FormatPhonemes:
		phonemes = text
	default:
		return nil, &InvalidArgumentError{Name: "format", Value: string(format)}
	}

	wav, err = c.process(ctx, cfg, MaryXML(cfg.Locale, phonemes), inputPhonemes, outputAudio)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("mary.audio_bytes", len(wav)))
	return wav, nil
}

// Voices lists the voices installed on the server.
func (c *Client) Voices(ctx context.Context) (voices []Voice, err error) {
	cfg := c.Config()
	ctx, span := c.inst.tracer.Start(ctx, "mary.voices", trace.WithSpanKind(trace.SpanKindClient))
	start := time.Now()
	defer func() { c.inst.finish(ctx, span, "voices", start, err) }()

	c.logger.Debug("listing voices", slog.String("server", cfg.baseURL()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.baseURL()+"/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("build voices request: %w", err)
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	voices = parseVoices(string(body))
	c.logger.Debug("voices listed", slog.Int("count", len(voices)))
	return voices, nil
}

// process posts one form to /process and returns the raw response body.
func (c *Client) process(ctx context.Context, cfg Config, input, inputType, outputType string) ([]byte, error) {
	form := url.Values{
		"INPUT_TEXT":  {input},
		"INPUT_TYPE":  {inputType},
		"OUTPUT_TYPE": {outputType},
		"LOCALE":      {cfg.Locale},
		"AUDIO":       {audioWave},
		"VOICE":       {cfg.Voice},
	}
	c.logger.Debug("process request",
		slog.String("input_type", inputType),
		slog.String("output_type", outputType),
		slog.String("locale", cfg.Locale),
		slog.String("voice", cfg.Voice),
		slog.String("input", input))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL()+"/process", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build process request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mary %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Warn("mary server error",
			slog.String("path", req.URL.Path),
			slog.Int("status", resp.StatusCode),
			slog.Any("headers", resp.Header))
		return nil, &RemoteServiceError{
			StatusCode: resp.StatusCode,
			Reason:     reasonPhrase(resp),
			Header:     resp.Header.Clone(),
			Body:       strings.TrimSpace(string(data)),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read mary response: %w", err)
	}
	return data, nil
}

func reasonPhrase(resp *http.Response) string {
	reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	return reason
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

func spanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
