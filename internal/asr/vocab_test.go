package asr

import (
	"os"
	"path/filepath"
	"testing"
)

func TestVocabularyDecode(t *testing.T) {
	v := NewVocabulary([]string{"▁the", "▁cat", "s", "<unk>", "▁run", "##ning", "<pad>"})
	cases := []struct {
		ids  []int
		want string
	}{
		{[]int{0, 1, 2}, "the cats"},
		{[]int{0, 3, 1}, "the cat"},
		{[]int{4, 5}, "running"},
		{[]int{7, 0, 6, 99}, "the"},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := v.Decode(tc.ids, 7); got != tc.want {
			t.Fatalf("decode %v: expected %q, got %q", tc.ids, tc.want, got)
		}
	}
}

func TestNilVocabularyFallsBackToBytes(t *testing.T) {
	var v *Vocabulary
	if got := v.Decode([]int{'h', 'i', 300, ' ', '!'}, 1024); got != "hi !" {
		t.Fatalf("expected byte fallback, got %q", got)
	}
	if v.Len() != 0 {
		t.Fatalf("expected empty length")
	}
}

func TestLoadVocabulary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.txt")
	if err := os.WriteFile(path, []byte("<unk>\r\n▁hi\r\nthere\n"), 0o644); err != nil {
		t.Fatalf("write vocab: %v", err)
	}
	v, err := LoadVocabulary(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if v.Len() != 3 {
		t.Fatalf("expected 3 pieces, got %d", v.Len())
	}
	if piece, _ := v.Piece(1); piece != "▁hi" {
		t.Fatalf("expected CR stripped piece, got %q", piece)
	}
	if _, err := LoadVocabulary(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Fatalf("expected error for missing vocabulary")
	}
}
