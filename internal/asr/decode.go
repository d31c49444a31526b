package asr

import (
	"context"
	"fmt"
	"log/slog"
)

// maxIterationsPerFrame bounds the decode loop at encodedLen*10 steps.
const maxIterationsPerFrame = 10

// DecoderState carries the prediction network's recurrent tensors, each
// shaped [Layers, 1, Size]. It is created fresh for every utterance or chunk.
type DecoderState struct {
	Hidden []float32
	Cell   []float32
	Layers int
	Size   int
}

func NewDecoderState(layers, size int) DecoderState {
	return DecoderState{
		Hidden: make([]float32, layers*size),
		Cell:   make([]float32, layers*size),
		Layers: layers,
		Size:   size,
	}
}

func (s DecoderState) shape() []int64 {
	return []int64{int64(s.Layers), 1, int64(s.Size)}
}

// jointOutput holds the joint network logits for one decoder step, flattened
// to rows of width logits. A single row applies to every encoder frame.
type jointOutput struct {
	logits []float32
	rows   int
	width  int
}

func (j jointOutput) row(t int) ([]float32, error) {
	r := t
	if j.rows == 1 {
		r = 0
	}
	if r < 0 || r >= j.rows {
		return nil, fmt.Errorf("frame %d outside joint output with %d rows", t, j.rows)
	}
	return j.logits[r*j.width : (r+1)*j.width], nil
}

// stepFunc runs the decoder and joint network once for the previous label.
type stepFunc func(ctx context.Context, label int, state DecoderState) (jointOutput, DecoderState, error)

type decodeParams struct {
	encodedLen int
	blankID    int
	durations  []int
	layers     int
	hidden     int
}

type decodeResult struct {
	tokens     []int
	iterations int
	capped     bool
}

// greedyDecode runs token-and-duration greedy decoding. Each step picks the
// best token or blank at frame t; blank advances one frame, a token is
// emitted and advances by its predicted duration (at least one frame).
func greedyDecode(ctx context.Context, p decodeParams, step stepFunc, logger *slog.Logger) (decodeResult, error) {
	var res decodeResult
	maxIter := p.encodedLen * maxIterationsPerFrame
	state := NewDecoderState(p.layers, p.hidden)
	label := p.blankID

	t := 0
	for t < p.encodedLen {
		if res.iterations >= maxIter {
			res.capped = true
			logger.Warn("decode iteration cap reached",
				slog.Int("iterations", res.iterations),
				slog.Int("frame", t),
				slog.Int("encoded_length", p.encodedLen),
				slog.Int("tokens", len(res.tokens)),
			)
			break
		}
		if err := ctx.Err(); err != nil {
			return decodeResult{}, err
		}
		res.iterations++

		joint, next, err := step(ctx, label, state)
		if err != nil {
			return decodeResult{}, fmt.Errorf("decoder step at frame %d: %w", t, err)
		}
		state = next

		logits, err := joint.row(t)
		if err != nil {
			return decodeResult{}, err
		}
		if len(logits) <= p.blankID {
			return decodeResult{}, fmt.Errorf("joint output has %d logits, blank id is %d", len(logits), p.blankID)
		}

		best := argmax(logits[:p.blankID+1])
		if best == p.blankID {
			t++
			continue
		}
		res.tokens = append(res.tokens, best)
		label = best

		advance := 1
		if durations := logits[p.blankID+1:]; len(durations) > 0 {
			if idx := argmax(durations); idx < len(p.durations) && p.durations[idx] > 1 {
				advance = p.durations[idx]
			}
		}
		t += advance
	}
	return res, nil
}

func argmax(values []float32) int {
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}
	return best
}
