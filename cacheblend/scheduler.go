package cacheblend

import (
	"container/list"
	"fmt"

	"cacheblend-go/internal/metrics"
)

// Scheduler admits one sequence at a time and owns its cache blocks.
// The blending core handles a single active request, so there is no
// batching or preemption.
type Scheduler struct {
	eos          int
	blockManager *BlockManager
	waiting      *list.List
	running      *Sequence
}

// NewScheduler creates a new scheduler
func NewScheduler(config *Config) *Scheduler {
	return &Scheduler{
		eos:          config.EOS,
		blockManager: NewBlockManager(config.NumKVCacheBlocks, config.KVCacheBlockSize),
		waiting:      list.New(),
	}
}

// BlockManager returns the scheduler's block manager
func (s *Scheduler) BlockManager() *BlockManager {
	return s.blockManager
}

// IsFinished returns true if there are no more sequences to process
func (s *Scheduler) IsFinished() bool {
	return s.waiting.Len() == 0 && s.running == nil
}

// Add adds a sequence to the waiting queue
func (s *Scheduler) Add(seq *Sequence) {
	s.waiting.PushBack(seq)
}

// Remove drops a sequence that is still waiting
func (s *Scheduler) Remove(seq *Sequence) {
	for elem := s.waiting.Front(); elem != nil; elem = elem.Next() {
		if elem.Value.(*Sequence).SeqID == seq.SeqID {
			s.waiting.Remove(elem)
			return
		}
	}
}

// Running returns the admitted sequence, or nil
func (s *Scheduler) Running() *Sequence {
	return s.running
}

// Schedule admits the next waiting sequence and allocates its blocks.
// It returns nil when a sequence is already running or none is waiting.
func (s *Scheduler) Schedule() (*Sequence, error) {
	if s.running != nil || s.waiting.Len() == 0 {
		return nil, nil
	}

	elem := s.waiting.Front()
	seq := elem.Value.(*Sequence)
	if err := s.blockManager.Allocate(seq); err != nil {
		return nil, err
	}
	seq.Status = StatusRunning
	s.waiting.Remove(elem)
	s.running = seq
	metrics.RecordBlocks(s.blockManager.NumUsedBlocks())
	return seq, nil
}

// PrepareAppend makes sure the running sequence has a slot for its next token
func (s *Scheduler) PrepareAppend(seq *Sequence) error {
	if seq != s.running {
		return fmt.Errorf("sequence %d is not running", seq.SeqID)
	}
	if !s.blockManager.CanAppend(seq) {
		return fmt.Errorf("%w: sequence %d cannot grow past %d tokens", ErrNoFreeBlocks, seq.SeqID, seq.Len())
	}
	if err := s.blockManager.MayAppend(seq); err != nil {
		return err
	}
	metrics.RecordBlocks(s.blockManager.NumUsedBlocks())
	return nil
}

// Postprocess appends the generated token and finishes the sequence on EOS
// or when its budget is spent. It reports whether the sequence finished.
func (s *Scheduler) Postprocess(seq *Sequence, tokenID int) bool {
	seq.AppendToken(tokenID)

	if (!seq.IgnoreEOS && tokenID == s.eos) || seq.NumCompletionTokens() == seq.MaxTokens {
		s.Finish(seq)
		return true
	}
	return false
}

// Finish releases the sequence's blocks, also used to abort a failed request
func (s *Scheduler) Finish(seq *Sequence) {
	seq.Status = StatusFinished
	s.blockManager.Deallocate(seq)
	if s.running == seq {
		s.running = nil
	}
	metrics.RecordBlocks(s.blockManager.NumUsedBlocks())
}
