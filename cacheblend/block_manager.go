package cacheblend

import "fmt"

// Block represents a paged KV cache block
type Block struct {
	BlockID  int
	RefCount int
}

// NewBlock creates a new block
func NewBlock(blockID int) *Block {
	return &Block{
		BlockID:  blockID,
		RefCount: 0,
	}
}

// BlockManager owns the assignment of physical cache blocks to sequences.
//
// Blended KV depends on the concatenation order of the chunks, so blocks are
// never shared between sequences by content.
type BlockManager struct {
	blockSize    int
	blocks       []*Block
	freeBlockIDs []int
	usedBlockIDs map[int]bool
}

// NewBlockManager creates a new block manager
func NewBlockManager(numBlocks int, blockSize int) *BlockManager {
	blocks := make([]*Block, numBlocks)
	for i := 0; i < numBlocks; i++ {
		blocks[i] = NewBlock(i)
	}

	freeBlockIDs := make([]int, numBlocks)
	for i := 0; i < numBlocks; i++ {
		freeBlockIDs[i] = i
	}

	return &BlockManager{
		blockSize:    blockSize,
		blocks:       blocks,
		freeBlockIDs: freeBlockIDs,
		usedBlockIDs: make(map[int]bool),
	}
}

// BlockSize returns the number of slots per block
func (bm *BlockManager) BlockSize() int {
	return bm.blockSize
}

// NumFreeBlocks returns the number of unallocated blocks
func (bm *BlockManager) NumFreeBlocks() int {
	return len(bm.freeBlockIDs)
}

// NumUsedBlocks returns the number of allocated blocks
func (bm *BlockManager) NumUsedBlocks() int {
	return len(bm.usedBlockIDs)
}

// allocateBlock takes the first free block
func (bm *BlockManager) allocateBlock() (int, error) {
	if len(bm.freeBlockIDs) == 0 {
		return 0, ErrNoFreeBlocks
	}
	blockID := bm.freeBlockIDs[0]
	bm.freeBlockIDs = bm.freeBlockIDs[1:]

	block := bm.blocks[blockID]
	if block.RefCount != 0 {
		return 0, fmt.Errorf("block %d is already allocated", blockID)
	}
	block.RefCount = 1
	bm.usedBlockIDs[blockID] = true
	return blockID, nil
}

// deallocateBlock returns a block to the free list
func (bm *BlockManager) deallocateBlock(blockID int) {
	delete(bm.usedBlockIDs, blockID)
	bm.freeBlockIDs = append(bm.freeBlockIDs, blockID)
}

// CanAllocate checks if there are enough free blocks for a sequence
func (bm *BlockManager) CanAllocate(seq *Sequence) bool {
	return len(bm.freeBlockIDs) >= seq.NumBlocks()
}

// Allocate allocates blocks for every token of a sequence
func (bm *BlockManager) Allocate(seq *Sequence) error {
	if len(seq.BlockTable) > 0 {
		return fmt.Errorf("sequence %d already has blocks allocated", seq.SeqID)
	}
	if !bm.CanAllocate(seq) {
		return fmt.Errorf("%w: sequence %d needs %d, %d free", ErrNoFreeBlocks, seq.SeqID, seq.NumBlocks(), len(bm.freeBlockIDs))
	}

	for i := 0; i < seq.NumBlocks(); i++ {
		blockID, err := bm.allocateBlock()
		if err != nil {
			bm.Deallocate(seq)
			return err
		}
		seq.BlockTable = append(seq.BlockTable, blockID)
	}
	return nil
}

// Deallocate deallocates blocks for a sequence
func (bm *BlockManager) Deallocate(seq *Sequence) {
	// Deallocate in reverse order
	for i := len(seq.BlockTable) - 1; i >= 0; i-- {
		blockID := seq.BlockTable[i]
		block := bm.blocks[blockID]
		block.RefCount--
		if block.RefCount == 0 {
			bm.deallocateBlock(blockID)
		}
	}

	seq.BlockTable = seq.BlockTable[:0]
}

// CanAppend checks if a new token can be appended to a sequence
func (bm *BlockManager) CanAppend(seq *Sequence) bool {
	if seq.Len()%bm.blockSize == 0 {
		return len(bm.freeBlockIDs) >= 1
	}
	return true
}

// MayAppend makes room for the token about to be appended at position seq.Len()
func (bm *BlockManager) MayAppend(seq *Sequence) error {
	if seq.Len()%bm.blockSize != 0 || seq.Len()/bm.blockSize < len(seq.BlockTable) {
		return nil
	}
	blockID, err := bm.allocateBlock()
	if err != nil {
		return err
	}
	seq.BlockTable = append(seq.BlockTable, blockID)
	return nil
}
