// Package marytest provides an in-process fake of the MaryTTS HTTP API for
// tests.
package marytest

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-mary/internal/wavutil"
)

// Lexicon is the fixed word list the fake server can transcribe.
var Lexicon = map[string]string{
	"gelbseidenen": "' g E l - ' b s AI - d i - n @ n",
	"eingange":     "' AI N - g { n dZ",
	"hello":        "h @ - ' l @U",
	"world!":       "' w r= l d",
}

// VoiceListing is the body served on /voices.
const VoiceListing = "cmu-rms-hsmm en_US male hmm\nbits3 de male unitselection general\n"

// Server mimics the subset of the MaryTTS HTTP API used by the client.
type Server struct {
	Host string
	Port int

	mu     sync.Mutex
	wav    []byte
	status int
	forms  []url.Values
	srv    *httptest.Server
}

// NewServer starts a fake serving one second of 16 kHz mono audio. It is
// closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		wav:    Wave(t, 16000, 1, 16000),
		status: http.StatusOK,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/process", s.handleProcess)
	mux.HandleFunc("/voices", s.handleVoices)
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)

	u, err := url.Parse(s.srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host: %v", err)
	}
	s.Host = host
	s.Port, _ = strconv.Atoi(port)
	return s
}

// SetStatus makes every following request fail with code unless it is 200.
func (s *Server) SetStatus(code int) {
	s.mu.Lock()
	s.status = code
	s.mu.Unlock()
}

// Requests returns the number of /process calls received.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.forms)
}

// LastForm returns the most recent /process form.
func (s *Server) LastForm() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.forms) == 0 {
		return nil
	}
	return s.forms[len(s.forms)-1]
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.forms = append(s.forms, r.PostForm)
	status := s.status
	s.mu.Unlock()

	if status != http.StatusOK {
		http.Error(w, "synthesis exploded", status)
		return
	}
	switch r.PostForm.Get("OUTPUT_TYPE") {
	case "PHONEMES":
		var b strings.Builder
		b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
		b.WriteString(`<maryxml xmlns="http://mary.dfki.de/2002/MaryXML" version="0.5" xml:lang="en-US"><p><s>`)
		for _, word := range strings.Fields(r.PostForm.Get("INPUT_TEXT")) {
			if ph, ok := Lexicon[word]; ok {
				fmt.Fprintf(&b, `<t g2p_method="lexicon" ph="%s" pos="NN">%s</t>`, ph, word)
			} else {
				fmt.Fprintf(&b, `<t pos="$PUNCT">%s</t>`, word)
			}
		}
		b.WriteString(`</s></p></maryxml>`)
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write([]byte(b.String()))
	case "AUDIO":
		w.Header().Set("Content-Type", "audio/x-wav")
		_, _ = w.Write(s.wav)
	default:
		http.Error(w, "unknown output type", http.StatusBadRequest)
	}
}

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	if status != http.StatusOK {
		http.Error(w, "voices unavailable", status)
		return
	}
	_, _ = w.Write([]byte(VoiceListing))
}

// Wave encodes frames of a ramp signal as a 16-bit WAVE file.
func Wave(t testing.TB, sampleRate, channels, frames int) []byte {
	t.Helper()
	pcm := make([]byte, frames*channels*2)
	for i := 0; i < len(pcm); i += 2 {
		pcm[i] = byte(i)
	}
	data, err := wavutil.EncodeBytes(pcm, sampleRate, channels)
	if err != nil {
		t.Fatalf("encode wave: %v", err)
	}
	return data
}
