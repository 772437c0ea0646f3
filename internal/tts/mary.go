package tts

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-mary/internal/mary"
	"github.com/loqalabs/loqa-mary/internal/wavutil"
)

type marySynth struct {
	client          *mary.Client
	chunkDurationMS int
}

// NewMarySynth streams audio rendered by a MaryTTS server, split into chunks
// of chunkDurationMS.
func NewMarySynth(client *mary.Client, chunkDurationMS int) Synthesizer {
	return &marySynth{client: client, chunkDurationMS: chunkDurationMS}
}

func (m *marySynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		format, err := mary.ParseFormat(req.Format)
		if err != nil {
			errs <- err
			return
		}
		audio, err := m.client.WithVoice(req.Locale, req.Voice).Synthesize(ctx, req.Text, format)
		if err != nil {
			errs <- err
			return
		}
		pcm, err := wavutil.DecodePCM(audio)
		if err != nil {
			errs <- fmt.Errorf("decode mary audio: %w", err)
			return
		}
		parts := wavutil.Chunk(pcm.Data, pcm.SampleRate, pcm.Channels, m.chunkDurationMS)
		emit(ctx, req.SessionID, parts, pcm.SampleRate, pcm.Channels, chunks, errs)
	}()
	return chunks, errs
}
