package cacheblend

import (
	"fmt"

	"github.com/google/uuid"

	"cacheblend-go/purego/tensor"
)

// Mode is the per-layer behavior of the attention core
type Mode int

const (
	ModeNormal Mode = iota
	ModeCheck
	ModeBlend
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeCheck:
		return "check"
	case ModeBlend:
		return "blend"
	default:
		return "unknown"
	}
}

// Phase distinguishes the prompt pass from single-token decode steps
type Phase int

const (
	PhasePrefill Phase = iota
	PhaseDecode
)

// Session is the request-scoped state shared across layers. It must not be
// shared between requests.
type Session struct {
	ID          uuid.UUID
	Blend       bool
	RecompRatio float64
	SuffixLen   int
	OrgSeqLen   int
	Phase       Phase

	// Baseline is the assembled cache and is never modified. CHECK and
	// BLEND splice into a per-layer working copy that Reset discards.
	Baseline *BaselineCache

	// Slots maps each true position to its paged cache slot
	Slots []int

	selection *Selection
	bias      *PartialBias
	working   *BaselineCache
}

// NewSession creates the state for one request. A nil baseline disables
// blending and every layer runs NORMAL.
func NewSession(cfg *Config, baseline *BaselineCache, suffixLen int, slots []int) (*Session, error) {
	s := &Session{
		ID:          uuid.New(),
		Blend:       baseline != nil,
		RecompRatio: cfg.RecompRatio,
		SuffixLen:   suffixLen,
		OrgSeqLen:   len(slots),
		Phase:       PhasePrefill,
		Baseline:    baseline,
		Slots:       append([]int(nil), slots...),
	}
	if baseline != nil {
		if baseline.NumLayers() != cfg.NumLayers || len(baseline.Values) != cfg.NumLayers {
			return nil, shapeErr(-1, -1, cfg.NumLayers, baseline.NumLayers(), "baseline layers")
		}
		for l := range baseline.Keys {
			if baseline.Keys[l] == nil || baseline.Values[l] == nil {
				return nil, shapeErr(-1, l, len(slots), 0, "baseline layer missing")
			}
		}
		if baseline.Len() != len(slots) {
			return nil, shapeErr(-1, -1, baseline.Len(), len(slots), "slot mapping length")
		}
		want := []int{len(slots), cfg.NumKVHeads, cfg.HeadDim}
		for l := range baseline.Keys {
			if err := checkBaselineShape(l, baseline.Keys[l], want); err != nil {
				return nil, err
			}
			if err := checkBaselineShape(l, baseline.Values[l], want); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

// Selection returns the importance selection, if CHECK has run
func (s *Session) Selection() (Selection, bool) {
	if s.selection == nil {
		return Selection{}, false
	}
	return *s.selection, true
}

// Bias returns the partial bias built at CHECK, or nil
func (s *Session) Bias() *PartialBias {
	return s.bias
}

// Reset clears the selection and drops the spliced working copy, so the
// next prefill checks against the assembled baseline again
func (s *Session) Reset() {
	s.selection = nil
	s.bias = nil
	s.working = nil
	s.Phase = PhasePrefill
	if len(s.Slots) > s.OrgSeqLen {
		s.Slots = s.Slots[:s.OrgSeqLen]
	}
}

// BeginDecode switches to decode and records the slot of the next position
func (s *Session) BeginDecode(slot int) {
	s.Phase = PhaseDecode
	s.Slots = append(s.Slots, slot)
}

func (s *Session) setSelection(sel Selection, bias *PartialBias) {
	s.selection = &sel
	s.bias = bias
}

func (s *Session) slotsFor(positions []int) ([]int, error) {
	slots := make([]int, len(positions))
	for i, p := range positions {
		if p < 0 || p >= len(s.Slots) {
			return nil, fmt.Errorf("position %d has no slot (%d mapped)", p, len(s.Slots))
		}
		slots[i] = s.Slots[p]
	}
	return slots, nil
}

// workingLayer returns the spliceable copy of a baseline layer, cloning it
// from the assembled baseline on first use
func (s *Session) workingLayer(layer int) (*tensor.Tensor, *tensor.Tensor, error) {
	k, v, err := s.Baseline.Layer(layer)
	if err != nil {
		return nil, nil, err
	}
	if s.working == nil {
		s.working = &BaselineCache{
			Keys:   make([]*tensor.Tensor, s.Baseline.NumLayers()),
			Values: make([]*tensor.Tensor, s.Baseline.NumLayers()),
		}
	}
	if s.working.Keys[layer] == nil {
		s.working.Keys[layer] = k.Clone()
		s.working.Values[layer] = v.Clone()
	}
	return s.working.Keys[layer], s.working.Values[layer], nil
}

func checkBaselineShape(layer int, t *tensor.Tensor, want []int) error {
	if len(t.Shape) != len(want) {
		return shapeErr(-1, layer, len(want), len(t.Shape), "baseline layer rank, shape %v", t.Shape)
	}
	for i := range want {
		if t.Shape[i] != want[i] {
			return shapeErr(-1, layer, want[i], t.Shape[i], "baseline layer dim %d, shape %v", i, t.Shape)
		}
	}
	return nil
}
