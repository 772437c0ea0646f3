package wavutil

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func ramp(frames, channels int) []byte {
	pcm := make([]byte, frames*channels*2)
	for i := 0; i < frames*channels; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(i%2000-1000)))
	}
	return pcm
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	pcm := ramp(8000, 2)
	data, err := EncodeBytes(pcm, 16000, 2)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	info, err := Inspect(data)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if info.Channels != 2 || info.SampleRate != 16000 || info.BitDepth != 16 {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.Frames != 8000 || info.Duration != 500*time.Millisecond {
		t.Fatalf("unexpected length %+v", info)
	}

	decoded, err := DecodePCM(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded.Data, pcm) {
		t.Fatalf("pcm mismatch after round trip")
	}
}

func TestEncodeRejectsOddPayload(t *testing.T) {
	if _, err := EncodeBytes([]byte{1, 2, 3}, 16000, 1); err == nil {
		t.Fatalf("expected alignment error")
	}
}

func TestInspectInvalid(t *testing.T) {
	_, err := Inspect([]byte("definitely not riff data"))
	if !errors.Is(err, ErrInvalidWave) {
		t.Fatalf("expected ErrInvalidWave, got %v", err)
	}
}

func TestChunkFrameAligned(t *testing.T) {
	pcm := ramp(1000, 2)
	chunks := Chunk(pcm, 16000, 2, 20)
	// 20 ms at 16 kHz is 320 frames of 4 bytes.
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(chunks))
	}
	total := 0
	for i, c := range chunks {
		if len(c)%4 != 0 {
			t.Fatalf("chunk %d not frame aligned: %d bytes", i, len(c))
		}
		if i < len(chunks)-1 && len(c) != 1280 {
			t.Fatalf("chunk %d has %d bytes", i, len(c))
		}
		total += len(c)
	}
	if total != len(pcm) {
		t.Fatalf("chunks lost data: %d of %d", total, len(pcm))
	}
}

func TestChunkEdgeCases(t *testing.T) {
	if Chunk(nil, 16000, 1, 100) != nil {
		t.Fatalf("expected nil for empty payload")
	}
	pcm := ramp(10, 1)
	if chunks := Chunk(pcm, 16000, 1, 0); len(chunks) != 1 || len(chunks[0]) != len(pcm) {
		t.Fatalf("expected single chunk without duration")
	}
}
