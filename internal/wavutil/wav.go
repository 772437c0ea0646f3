// Package wavutil decodes the WAVE files returned by MaryTTS into raw PCM and
// encodes PCM back into WAVE containers.
package wavutil

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Info describes a decoded WAVE file.
type Info struct {
	Channels   int
	SampleRate int
	BitDepth   int
	Frames     int
	Duration   time.Duration
}

// PCM is interleaved signed 16-bit little-endian audio.
type PCM struct {
	Info
	Data []byte
}

var ErrInvalidWave = errors.New("not a valid wave file")

func decode(data []byte) (*audio.IntBuffer, Info, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		if err := dec.Err(); err != nil {
			return nil, Info{}, fmt.Errorf("%w: %v", ErrInvalidWave, err)
		}
		return nil, Info{}, ErrInvalidWave
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Info{}, fmt.Errorf("read pcm: %w", err)
	}
	info := Info{
		Channels:   int(dec.NumChans),
		SampleRate: int(dec.SampleRate),
		BitDepth:   int(dec.BitDepth),
	}
	if info.Channels > 0 {
		info.Frames = len(buf.Data) / info.Channels
	}
	if info.SampleRate > 0 {
		info.Duration = time.Duration(info.Frames) * time.Second / time.Duration(info.SampleRate)
	}
	return buf, info, nil
}

// Inspect reads the header and counts the frames of a WAVE file.
func Inspect(data []byte) (Info, error) {
	_, info, err := decode(data)
	return info, err
}

// DecodePCM converts a WAVE file of any integer bit depth to 16-bit PCM.
func DecodePCM(data []byte) (PCM, error) {
	buf, info, err := decode(data)
	if err != nil {
		return PCM{}, err
	}
	out := make([]byte, len(buf.Data)*2)
	for i, v := range buf.Data {
		var s int
		switch info.BitDepth {
		case 8:
			s = (v - 128) << 8
		case 16:
			s = v
		case 24:
			s = v >> 8
		case 32:
			s = v >> 16
		default:
			return PCM{}, fmt.Errorf("unsupported bit depth %d", info.BitDepth)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s)))
	}
	return PCM{Info: info, Data: out}, nil
}

// Encode writes 16-bit PCM as a WAVE file.
func Encode(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}, SourceBitDepth: 16}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// EncodeBytes is Encode into memory.
func EncodeBytes(pcm []byte, sampleRate, channels int) ([]byte, error) {
	var sb seekBuffer
	if err := Encode(&sb, pcm, sampleRate, channels); err != nil {
		return nil, err
	}
	return sb.data, nil
}

// Chunk splits pcm into frame aligned slices of roughly durationMS each.
// A non-positive duration returns the whole payload as a single chunk.
func Chunk(pcm []byte, sampleRate, channels, durationMS int) [][]byte {
	if len(pcm) == 0 {
		return nil
	}
	frame := channels * 2
	if frame <= 0 || sampleRate <= 0 || durationMS <= 0 {
		return [][]byte{pcm}
	}
	size := sampleRate * durationMS / 1000 * frame
	if size < frame {
		size = frame
	}
	var chunks [][]byte
	for start := 0; start < len(pcm); start += size {
		end := start + size
		if end > len(pcm) {
			end = len(pcm)
		}
		chunks = append(chunks, pcm[start:end])
	}
	return chunks
}
