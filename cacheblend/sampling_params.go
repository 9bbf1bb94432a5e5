package cacheblend

import "fmt"

// SamplingParams holds the decode parameters for generation.
// Decoding is greedy.
type SamplingParams struct {
	MaxTokens int
	IgnoreEOS bool
}

// SamplingOption is a functional option for SamplingParams
type SamplingOption func(*SamplingParams)

// NewSamplingParams creates a new SamplingParams with default values
func NewSamplingParams(opts ...SamplingOption) (*SamplingParams, error) {
	sp := &SamplingParams{
		MaxTokens: 16,
		IgnoreEOS: false,
	}

	for _, opt := range opts {
		opt(sp)
	}

	if err := sp.validate(); err != nil {
		return nil, err
	}

	return sp, nil
}

func (sp *SamplingParams) validate() error {
	if sp.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", sp.MaxTokens)
	}
	return nil
}

// WithMaxTokens sets the maximum number of tokens to generate
func WithMaxTokens(n int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.MaxTokens = n
	}
}

// WithIgnoreEOS sets whether to ignore the EOS token
func WithIgnoreEOS(b bool) SamplingOption {
	return func(sp *SamplingParams) {
		sp.IgnoreEOS = b
	}
}
