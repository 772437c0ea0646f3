package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-mary/internal/journal"
	"github.com/loqalabs/loqa-mary/internal/mary"
)

type voiceJSON struct {
	Name   string   `json:"name"`
	Locale string   `json:"locale"`
	Gender string   `json:"gender"`
	Fields []string `json:"fields"`
}

type g2pRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text"`
	Locale    string `json:"locale,omitempty"`
	Voice     string `json:"voice,omitempty"`
}

type synthesizeRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text"`
	Format    string `json:"format,omitempty"`
	Locale    string `json:"locale,omitempty"`
	Voice     string `json:"voice,omitempty"`
}

type entryJSON struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id,omitempty"`
	Op         string    `json:"op"`
	Locale     string    `json:"locale,omitempty"`
	Voice      string    `json:"voice,omitempty"`
	Input      string    `json:"input,omitempty"`
	Output     string    `json:"output,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Bytes      int       `json:"bytes"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

func (r *Router) handleVoices(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	voices, err := r.mary.Voices(req.Context())
	r.record(journal.Entry{
		Op:       journal.OpVoices,
		Output:   fmt.Sprintf("%d voices", len(voices)),
		Duration: time.Since(start),
	}, err)
	if err != nil {
		writeError(w, req, err)
		return
	}
	out := make([]voiceJSON, 0, len(voices))
	for _, v := range voices {
		out = append(out, voiceJSON{Name: v.Name(), Locale: v.Locale(), Gender: v.Gender(), Fields: v})
	}
	writeJSON(w, http.StatusOK, map[string]any{"voices": out})
}

func (r *Router) handleG2P(w http.ResponseWriter, req *http.Request) {
	var body g2pRequest
	if err := decodeBody(w, req, &body); err != nil {
		writeError(w, req, err)
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeError(w, req, &mary.InvalidArgumentError{Name: "text", Value: body.Text})
		return
	}

	start := time.Now()
	client := r.mary.WithVoice(body.Locale, body.Voice)
	phonemes, err := client.TextToPhonemes(req.Context(), body.Text)
	r.record(journal.Entry{
		SessionID: body.SessionID,
		Op:        journal.OpG2P,
		Locale:    client.Locale(),
		Voice:     client.Voice(),
		Input:     body.Text,
		Output:    phonemes,
		Duration:  time.Since(start),
	}, err)
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"phonemes": phonemes})
}

func (r *Router) handleSynthesize(w http.ResponseWriter, req *http.Request) {
	var body synthesizeRequest
	if err := decodeBody(w, req, &body); err != nil {
		writeError(w, req, err)
		return
	}
	format, err := mary.ParseFormat(body.Format)
	if err != nil {
		writeError(w, req, err)
		return
	}

	start := time.Now()
	client := r.mary.WithVoice(body.Locale, body.Voice)
	audio, err := client.Synthesize(req.Context(), body.Text, format)
	r.record(journal.Entry{
		SessionID: body.SessionID,
		Op:        journal.OpSynthesize,
		Locale:    client.Locale(),
		Voice:     client.Voice(),
		Input:     body.Text,
		Bytes:     len(audio),
		Duration:  time.Since(start),
	}, err)
	if err != nil {
		writeError(w, req, err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}

func (r *Router) handleJournal(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	filter := journal.Filter{
		Op:        q.Get("op"),
		SessionID: q.Get("session_id"),
		Status:    q.Get("status"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, req, &mary.InvalidArgumentError{Name: "limit", Value: raw})
			return
		}
		filter.Limit = limit
	}

	entries, err := r.journal.List(req.Context(), filter)
	if err != nil {
		r.logger.Error("journal list failed", slogError(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "journal unavailable"})
		return
	}
	out := make([]entryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryJSON{
			ID:         e.ID,
			SessionID:  e.SessionID,
			Op:         e.Op,
			Locale:     e.Locale,
			Voice:      e.Voice,
			Input:      e.Input,
			Output:     e.Output,
			Status:     e.Status,
			Error:      e.Error,
			Bytes:      e.Bytes,
			DurationMS: e.Duration.Milliseconds(),
			CreatedAt:  e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func decodeBody(w http.ResponseWriter, req *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return &mary.InvalidArgumentError{Name: "body", Value: err.Error()}
	}
	return nil
}
