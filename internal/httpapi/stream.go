package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-mary/internal/journal"
	"github.com/loqalabs/loqa-mary/internal/tts"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type streamRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text"`
	Format    string `json:"format,omitempty"`
	Locale    string `json:"locale,omitempty"`
	Voice     string `json:"voice,omitempty"`
}

// streamStatus is sent as a text frame after the binary PCM frames of each request.
type streamStatus struct {
	SessionID  string `json:"session_id"`
	Completed  bool   `json:"completed"`
	Error      string `json:"error,omitempty"`
	Chunks     int    `json:"chunks"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// handleStream reads JSON synthesis requests from the socket and answers each
// with binary PCM frames followed by a JSON status, until the client hangs up.
func (r *Router) handleStream(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("stream upgrade failed", slogError(err))
		return
	}
	defer conn.Close()

	for {
		var sreq streamRequest
		if err := conn.ReadJSON(&sreq); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Debug("stream read ended", slogError(err))
			}
			return
		}
		if sreq.SessionID == "" {
			sreq.SessionID = uuid.NewString()
		}
		status, err := r.streamOne(req.Context(), conn, sreq)
		if err != nil {
			r.logger.Warn("stream write failed", slog.String("session_id", sreq.SessionID), slogError(err))
			return
		}
		if err := conn.WriteJSON(status); err != nil {
			return
		}
	}
}

func (r *Router) streamOne(ctx context.Context, conn *websocket.Conn, sreq streamRequest) (streamStatus, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	status := streamStatus{SessionID: sreq.SessionID}
	start := time.Now()
	total := 0

	chunks, errs := r.synth.Synthesize(ctx, tts.SynthRequest{
		SessionID: sreq.SessionID,
		Text:      sreq.Text,
		Format:    sreq.Format,
		Locale:    sreq.Locale,
		Voice:     sreq.Voice,
	})
	var synthErr error
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk.PCM); err != nil {
				return status, err
			}
			status.Chunks++
			status.SampleRate = chunk.SampleRate
			status.Channels = chunk.Channels
			total += len(chunk.PCM)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				synthErr = err
			}
		}
	}

	status.Completed = synthErr == nil
	if synthErr != nil {
		status.Error = synthErr.Error()
	}
	voice := r.mary.WithVoice(sreq.Locale, sreq.Voice)
	r.record(journal.Entry{
		SessionID: sreq.SessionID,
		Op:        journal.OpSynthesize,
		Locale:    voice.Locale(),
		Voice:     voice.Voice(),
		Input:     sreq.Text,
		Bytes:     total,
		Duration:  time.Since(start),
	}, synthErr)
	return status, nil
}
