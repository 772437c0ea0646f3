package tts

import (
	"context"
	"strings"
	"time"

	"github.com/loqalabs/loqa-mary/internal/wavutil"
)

type mockSynth struct {
	sampleRate      int
	channels        int
	chunkDurationMS int
}

// NewMockSynth produces silence, one chunk duration per word of input.
func NewMockSynth(sampleRate, channels, chunkDurationMS int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, chunkDurationMS: chunkDurationMS}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(20 * time.Millisecond):
		}

		duration := m.chunkDurationMS
		if duration <= 0 {
			duration = 100
		}
		words := len(strings.Fields(req.Text))
		if words == 0 {
			words = 1
		}
		silence := make([]byte, words*(m.sampleRate*duration/1000)*m.channels*2)
		emit(ctx, req.SessionID, wavutil.Chunk(silence, m.sampleRate, m.channels, m.chunkDurationMS), m.sampleRate, m.channels, chunks, errs)
	}()
	return chunks, errs
}

// emit sends parts as consecutive chunks, marking the last one final.
func emit(ctx context.Context, sessionID string, parts [][]byte, sampleRate, channels int, chunks chan<- SynthChunk, errs chan<- error) {
	if len(parts) == 0 {
		parts = [][]byte{{}}
	}
	for i, part := range parts {
		chunk := SynthChunk{
			SessionID:  sessionID,
			Sequence:   i,
			SampleRate: sampleRate,
			Channels:   channels,
			PCM:        part,
			Final:      i == len(parts)-1,
		}
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case chunks <- chunk:
		}
	}
}
