package cacheblend

import (
	"fmt"
	"sync/atomic"
)

// SequenceStatus represents the status of a sequence
type SequenceStatus int

const (
	StatusWaiting SequenceStatus = iota
	StatusRunning
	StatusFinished
)

// Sequence tracks the token IDs and paged cache blocks of one request
type Sequence struct {
	SeqID           int64
	Status          SequenceStatus
	TokenIDs        []int
	LastToken       int
	NumTokens       int
	NumPromptTokens int
	BlockTable      []int
	MaxTokens       int
	IgnoreEOS       bool
	BlockSize       int
}

var seqCounter int64 = 0

// NewSequence creates a new sequence from the assembled prompt
func NewSequence(tokenIDs []int, samplingParams *SamplingParams, blockSize int) *Sequence {
	seqID := atomic.AddInt64(&seqCounter, 1) - 1

	tokens := make([]int, len(tokenIDs))
	copy(tokens, tokenIDs)

	last := -1
	if len(tokens) > 0 {
		last = tokens[len(tokens)-1]
	}

	return &Sequence{
		SeqID:           seqID,
		Status:          StatusWaiting,
		TokenIDs:        tokens,
		LastToken:       last,
		NumTokens:       len(tokens),
		NumPromptTokens: len(tokens),
		BlockTable:      make([]int, 0),
		MaxTokens:       samplingParams.MaxTokens,
		IgnoreEOS:       samplingParams.IgnoreEOS,
		BlockSize:       blockSize,
	}
}

// Len returns the number of tokens in the sequence
func (s *Sequence) Len() int {
	return s.NumTokens
}

// IsFinished returns true if the sequence has finished generating
func (s *Sequence) IsFinished() bool {
	return s.Status == StatusFinished
}

// NumCompletionTokens returns the number of completion tokens
func (s *Sequence) NumCompletionTokens() int {
	return s.NumTokens - s.NumPromptTokens
}

// PromptTokenIDs returns the prompt token IDs
func (s *Sequence) PromptTokenIDs() []int {
	return s.TokenIDs[:s.NumPromptTokens]
}

// CompletionTokenIDs returns the completion token IDs
func (s *Sequence) CompletionTokenIDs() []int {
	return s.TokenIDs[s.NumPromptTokens:]
}

// NumBlocks returns the total number of blocks needed
func (s *Sequence) NumBlocks() int {
	return (s.NumTokens + s.BlockSize - 1) / s.BlockSize
}

// LastBlockNumTokens returns the number of tokens in the last block
func (s *Sequence) LastBlockNumTokens() int {
	return s.NumTokens - (s.NumBlocks()-1)*s.BlockSize
}

// Block returns the tokens in the i-th block
func (s *Sequence) Block(i int) []int {
	if i < 0 || i >= s.NumBlocks() {
		return nil
	}
	start := i * s.BlockSize
	end := (i + 1) * s.BlockSize
	if end > len(s.TokenIDs) {
		end = len(s.TokenIDs)
	}
	return s.TokenIDs[start:end]
}

// AppendToken appends a token to the sequence
func (s *Sequence) AppendToken(tokenID int) {
	s.TokenIDs = append(s.TokenIDs, tokenID)
	s.LastToken = tokenID
	s.NumTokens++
}

// Slot maps a true token position to its physical paged cache slot
func (s *Sequence) Slot(pos int) (int, error) {
	if pos < 0 {
		return 0, fmt.Errorf("negative position %d", pos)
	}
	block := pos / s.BlockSize
	if block >= len(s.BlockTable) {
		return 0, fmt.Errorf("position %d needs block %d but only %d allocated", pos, block, len(s.BlockTable))
	}
	return s.BlockTable[block]*s.BlockSize + pos%s.BlockSize, nil
}

// Slots returns the slot mapping for every current token position
func (s *Sequence) Slots() ([]int, error) {
	slots := make([]int, s.NumTokens)
	for pos := range slots {
		slot, err := s.Slot(pos)
		if err != nil {
			return nil, err
		}
		slots[pos] = slot
	}
	return slots, nil
}
