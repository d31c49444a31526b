package asr

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

const (
	wordBoundary = "▁"
	continuation = "##"
)

var markerTokens = map[string]struct{}{
	"<blk>":   {},
	"<blank>": {},
	"<pad>":   {},
	"<unk>":   {},
}

// Vocabulary maps token ids to subword pieces; the id is the line index.
// A nil Vocabulary decodes ids below 256 as raw bytes.
type Vocabulary struct {
	pieces []string
}

func NewVocabulary(pieces []string) *Vocabulary {
	return &Vocabulary{pieces: append([]string(nil), pieces...)}
}

// LoadVocabulary reads a newline-delimited piece list.
func LoadVocabulary(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocabulary: %w", err)
	}
	defer f.Close()

	var pieces []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		pieces = append(pieces, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	return &Vocabulary{pieces: pieces}, nil
}

func (v *Vocabulary) Len() int {
	if v == nil {
		return 0
	}
	return len(v.pieces)
}

// Piece returns the piece for id, if any.
func (v *Vocabulary) Piece(id int) (string, bool) {
	if v == nil || id < 0 || id >= len(v.pieces) {
		return "", false
	}
	return v.pieces[id], true
}

// Decode joins the pieces for ids into text. Blank ids and marker tokens are
// dropped, word-boundary markers become spaces and continuation markers are
// removed.
func (v *Vocabulary) Decode(ids []int, blankID int) string {
	var b strings.Builder
	for _, id := range ids {
		if id == blankID {
			continue
		}
		if v == nil {
			if id >= 0 && id < 256 {
				b.WriteByte(byte(id))
			}
			continue
		}
		piece, ok := v.Piece(id)
		if !ok {
			continue
		}
		if _, marker := markerTokens[piece]; marker {
			continue
		}
		piece = strings.TrimPrefix(piece, continuation)
		b.WriteString(strings.ReplaceAll(piece, wordBoundary, " "))
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
