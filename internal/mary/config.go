package mary

import (
	"net"
	"strconv"
	"time"
)

const (
	DefaultHost   = "127.0.0.1"
	DefaultPort   = 59125
	DefaultLocale = "en_US"
	DefaultVoice  = "cmu-rms-hsmm"
)

// Config holds the connection parameters of a MaryTTS server.
type Config struct {
	Host   string
	Port   int
	Locale string
	Voice  string
	// Timeout bounds a single HTTP exchange. Zero leaves the transport default.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Host:   DefaultHost,
		Port:   DefaultPort,
		Locale: DefaultLocale,
		Voice:  DefaultVoice,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Host == "" {
		c.Host = def.Host
	}
	if c.Port <= 0 {
		c.Port = def.Port
	}
	if c.Locale == "" {
		c.Locale = def.Locale
	}
	if c.Voice == "" {
		c.Voice = def.Voice
	}
	return c
}

func (c Config) baseURL() string {
	return "http://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// language returns the two letter language code of the locale ("en_US" -> "en").
func (c Config) language() string {
	runes := []rune(c.Locale)
	if len(runes) > 2 {
		runes = runes[:2]
	}
	return string(runes)
}
