// Package wavcodec decodes and encodes PCM WAV payloads and converts between
// raw PCM frames and normalized float samples.
package wavcodec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/orcaman/writerseeker"
)

const (
	headerSize = 44

	formatPCM        = 1
	formatExtensible = 0xFFFE
)

// Audio is a decoded mono waveform in [-1, 1].
type Audio struct {
	Samples    []float32
	SampleRate int
	Channels   int
	BitDepth   int
}

// Duration returns the length of the waveform in seconds.
func (a Audio) Duration() float64 {
	if a.SampleRate <= 0 {
		return 0
	}
	return float64(len(a.Samples)) / float64(a.SampleRate)
}

// Decode parses a WAV payload. Malformed input yields an empty Audio and a
// warning on logger; it never fails.
func Decode(data []byte, logger *slog.Logger) Audio {
	if logger == nil {
		logger = slog.Default()
	}
	if err := validateContainer(data); err != nil {
		logger.Warn("wav decode rejected payload", slog.Int("bytes", len(data)), slogError(err))
		return Audio{}
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		logger.Warn("wav decode rejected payload", slog.String("error", "invalid wav header"))
		return Audio{}
	}
	if dec.WavAudioFormat != formatPCM && dec.WavAudioFormat != formatExtensible {
		logger.Warn("wav decode rejected payload", slog.Int("audio_format", int(dec.WavAudioFormat)))
		return Audio{}
	}
	bitDepth := int(dec.BitDepth)
	switch bitDepth {
	case 8, 16, 24, 32:
	default:
		logger.Warn("wav decode rejected payload", slog.Int("bit_depth", bitDepth))
		return Audio{}
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil || buf == nil {
		if err == nil {
			err = fmt.Errorf("no pcm data region")
		}
		logger.Warn("wav decode failed to read data region", slogError(err))
		return Audio{}
	}

	channels := int(dec.NumChans)
	if channels <= 0 {
		channels = 1
	}
	samples := intToFloat(buf.Data, bitDepth)
	return Audio{
		Samples:    Downmix(samples, channels),
		SampleRate: int(dec.SampleRate),
		Channels:   channels,
		BitDepth:   bitDepth,
	}
}

// validateContainer checks the RIFF/WAVE/fmt markers and that a data chunk is
// present somewhere after the format chunk.
func validateContainer(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("wav data too short: need at least %d bytes, got %d", headerSize, len(data))
	}
	if string(data[0:4]) != "RIFF" {
		return fmt.Errorf("missing RIFF marker")
	}
	if string(data[8:12]) != "WAVE" {
		return fmt.Errorf("missing WAVE marker")
	}
	var haveFmt, haveData bool
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		switch id {
		case "fmt ":
			haveFmt = true
		case "data":
			haveData = true
		}
		if haveFmt && haveData {
			return nil
		}
		if size < 0 {
			break
		}
		// chunks are word aligned
		pos += 8 + size + size%2
	}
	if !haveFmt {
		return fmt.Errorf("missing fmt chunk")
	}
	return fmt.Errorf("missing data chunk")
}

func intToFloat(data []int, bitDepth int) []float32 {
	out := make([]float32, len(data))
	switch bitDepth {
	case 8:
		// 8-bit PCM is unsigned with a 128 midpoint
		for i, v := range data {
			out[i] = float32(v-128) / 128
		}
	default:
		scale := float32(math.Pow(2, float64(bitDepth-1)))
		for i, v := range data {
			out[i] = float32(v) / scale
		}
	}
	return out
}

// Downmix averages interleaved channels into a mono signal.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for f := 0; f < frames; f++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += samples[f*channels+c]
		}
		out[f] = sum / float32(channels)
	}
	return out
}

// Encode renders samples as a 16-bit mono PCM WAV file. Samples outside
// [-1, 1] are clamped.
func Encode(samples []float32, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           make([]int, len(samples)),
		SourceBitDepth: 16,
	}
	for i, s := range samples {
		buf.Data[i] = int(quantize16(s))
	}

	out := &writerseeker.WriterSeeker{}
	enc := wav.NewEncoder(out, sampleRate, 16, 1, formatPCM)
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	data, err := io.ReadAll(out.Reader())
	if err != nil {
		return nil, fmt.Errorf("read encoded wav: %w", err)
	}
	return data, nil
}

func quantize16(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return int16(math.Round(float64(s) * math.MaxInt16))
}

// PCM16ToFloat converts little-endian signed 16-bit PCM to float samples.
// A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}

// FloatToPCM16 converts float samples to little-endian signed 16-bit PCM.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantize16(s)))
	}
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
