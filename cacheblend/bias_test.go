package cacheblend

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPartialBiasCausalOnTruePositions(t *testing.T) {
	seqLen := 21
	sel, err := NewSelection([]int{0, 3, 4, 11}, seqLen, 3)
	if err != nil {
		t.Fatalf("NewSelection failed: %v", err)
	}

	bias, err := BuildPartialBias(seqLen, sel, 2, 3, 8)
	if err != nil {
		t.Fatalf("BuildPartialBias failed: %v", err)
	}
	if bias.Padded != 24 {
		t.Errorf("Expected padded length 24, got %d", bias.Padded)
	}

	positions := sel.Positions()
	m := bias.Tensor()
	if diff := cmp.Diff([]int{len(positions), seqLen}, m.Shape); diff != "" {
		t.Fatalf("bias shape mismatch (-want +got):\n%s", diff)
	}
	for i, p := range positions {
		for k := 0; k < seqLen; k++ {
			got := m.At(i, k)
			if k <= p && got != 0 {
				t.Errorf("row %d (pos %d) key %d: expected 0, got %v", i, p, k, got)
			}
			if k > p && got != MaskValue {
				t.Errorf("row %d (pos %d) key %d: expected mask, got %v", i, p, k, got)
			}
		}
	}
}

func TestPartialBiasPaddingMasked(t *testing.T) {
	sel, _ := NewSelection(nil, 5, 1)
	bias, err := BuildPartialBias(5, sel, 1, 1, 8)
	if err != nil {
		t.Fatalf("BuildPartialBias failed: %v", err)
	}
	// the only row is the last position; padding columns stay masked
	for k := 0; k < bias.Padded; k++ {
		want := float32(0)
		if k >= 5 {
			want = MaskValue
		}
		if got := bias.At(0, 0, 0, k); got != want {
			t.Errorf("column %d: expected %v, got %v", k, want, got)
		}
	}
}

func TestPartialBiasMaterialize4D(t *testing.T) {
	sel, _ := NewSelection([]int{1, 2}, 6, 2)
	bias, err := BuildPartialBias(6, sel, 2, 2, 4)
	if err != nil {
		t.Fatalf("BuildPartialBias failed: %v", err)
	}

	full := bias.Materialize4D()
	if diff := cmp.Diff([]int{2, 2, 4, 6}, full.Shape); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	flat := bias.Tensor()
	for kv := 0; kv < 2; kv++ {
		for r := 0; r < 2; r++ {
			for i := 0; i < 4; i++ {
				for k := 0; k < 6; k++ {
					if full.At(kv, r, i, k) != flat.At(i, k) {
						t.Fatalf("(%d,%d,%d,%d): expected %v, got %v", kv, r, i, k, flat.At(i, k), full.At(kv, r, i, k))
					}
					if bias.At(kv, r, i, k) != flat.At(i, k) {
						t.Fatalf("At(%d,%d,%d,%d) disagrees with Tensor", kv, r, i, k)
					}
				}
			}
		}
	}
}

func TestPartialBiasInvalid(t *testing.T) {
	sel, _ := NewSelection([]int{0}, 4, 1)

	if _, err := BuildPartialBias(0, sel, 1, 1, 8); !errors.Is(err, ErrFatalConfig) {
		t.Errorf("Expected ErrFatalConfig for empty sequence, got %v", err)
	}
	if _, err := BuildPartialBias(4, sel, 0, 1, 8); !errors.Is(err, ErrFatalConfig) {
		t.Errorf("Expected ErrFatalConfig for zero heads, got %v", err)
	}
	if _, err := BuildPartialBias(4, sel, 1, 1, 0); !errors.Is(err, ErrFatalConfig) {
		t.Errorf("Expected ErrFatalConfig for zero alignment, got %v", err)
	}
	// selection made over a longer prompt
	if _, err := BuildPartialBias(3, sel, 1, 1, 8); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}
}
