// Package persistence stores the committed chain of a simulated validator.
// 커밋된 블록을 높이별로 저장하고 다시 읽어오는 기능을 제공
package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ahwlsqja/pbft-engine/types"
)

// ErrNotFound is returned for a height that was never saved.
var ErrNotFound = errors.New("block not found")

// Store는 커밋된 블록을 높이별로 저장하는 인터페이스
type Store interface {
	SaveBlock(block types.Block) error
	LoadBlock(height uint64) (types.Block, error)
	LoadBlocks(fromHeight, toHeight uint64) ([]types.Block, error)
	// LatestHeight returns ErrNotFound while the store is empty.
	LatestHeight() (uint64, error)
	Close() error
}

// blockRecord is the on-disk form of a block. Ids are raw bytes, so they are stored as
// []byte (base64) rather than strings.
type blockRecord struct {
	BlockID    []byte `json:"block_id"`
	BlockNum   uint64 `json:"block_num"`
	SignerID   []byte `json:"signer_id"`
	PreviousID []byte `json:"previous_id"`
	Summary    []byte `json:"summary,omitempty"`
}

func toRecord(b types.Block) blockRecord {
	return blockRecord{
		BlockID:    []byte(b.BlockID),
		BlockNum:   b.BlockNum,
		SignerID:   []byte(b.SignerID),
		PreviousID: []byte(b.PreviousID),
		Summary:    b.Summary,
	}
}

func (r blockRecord) block() types.Block {
	return types.Block{
		BlockID:    types.BlockID(r.BlockID),
		BlockNum:   r.BlockNum,
		SignerID:   types.PeerID(r.SignerID),
		PreviousID: types.BlockID(r.PreviousID),
		Summary:    r.Summary,
	}
}

// ================================================================================
//                          File-based Store 구현
// ================================================================================

// FileStore는 파일 시스템 기반 저장소
type FileStore struct {
	mu      sync.RWMutex
	baseDir string // 기본 디렉토리
	latest  uint64
	empty   bool
}

// NewFileStore opens (or creates) a store under baseDir and scans it for the latest height.
func NewFileStore(baseDir string) (*FileStore, error) {
	dir := filepath.Join(baseDir, "blocks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	fs := &FileStore{baseDir: baseDir, empty: true}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read blocks directory: %w", err)
	}
	for _, entry := range entries {
		var height uint64
		if entry.IsDir() {
			continue
		}
		if _, err := fmt.Sscanf(entry.Name(), "block_%d.json", &height); err != nil {
			continue
		}
		if fs.empty || height > fs.latest {
			fs.latest = height
			fs.empty = false
		}
	}
	return fs, nil
}

func (fs *FileStore) blockPath(height uint64) string {
	return filepath.Join(fs.baseDir, "blocks", fmt.Sprintf("block_%d.json", height))
}

// SaveBlock writes a block to disk, replacing any block at the same height.
func (fs *FileStore) SaveBlock(block types.Block) error {
	data, err := json.MarshalIndent(toRecord(block), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal block: %w", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	// 임시 파일에 쓴 뒤 rename
	path := fs.blockPath(block.BlockNum)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write block file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write block file: %w", err)
	}
	if fs.empty || block.BlockNum > fs.latest {
		fs.latest = block.BlockNum
		fs.empty = false
	}
	return nil
}

// LoadBlock loads a block from disk.
func (fs *FileStore) LoadBlock(height uint64) (types.Block, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.load(height)
}

func (fs *FileStore) load(height uint64) (types.Block, error) {
	data, err := os.ReadFile(fs.blockPath(height))
	if err != nil {
		if os.IsNotExist(err) {
			return types.Block{}, fmt.Errorf("%w: height %d", ErrNotFound, height)
		}
		return types.Block{}, fmt.Errorf("failed to read block file: %w", err)
	}

	var rec blockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return types.Block{}, fmt.Errorf("failed to unmarshal block %d: %w", height, err)
	}
	return rec.block(), nil
}

// LoadBlocks loads blocks in a range. Missing heights are an error.
func (fs *FileStore) LoadBlocks(fromHeight, toHeight uint64) ([]types.Block, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var blocks []types.Block
	for h := fromHeight; h <= toHeight; h++ {
		block, err := fs.load(h)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// LatestHeight returns the highest saved height.
func (fs *FileStore) LatestHeight() (uint64, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.empty {
		return 0, ErrNotFound
	}
	return fs.latest, nil
}

// Close closes the store
func (fs *FileStore) Close() error {
	return nil
}

// ================================================================================
//                          Memory-based Store 구현
// ================================================================================

// MemoryStore는 메모리 기반 저장소
type MemoryStore struct {
	mu     sync.RWMutex
	blocks []types.Block
	base   uint64
}

// NewMemoryStore creates a new memory-based store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// SaveBlock appends a block. Heights must be contiguous.
func (ms *MemoryStore) SaveBlock(block types.Block) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if len(ms.blocks) == 0 {
		ms.base = block.BlockNum
		ms.blocks = append(ms.blocks, block)
		return nil
	}
	next := ms.base + uint64(len(ms.blocks))
	switch {
	case block.BlockNum == next:
		ms.blocks = append(ms.blocks, block)
	case block.BlockNum >= ms.base && block.BlockNum < next:
		ms.blocks[block.BlockNum-ms.base] = block
	default:
		return fmt.Errorf("block %d is not contiguous with %d..%d", block.BlockNum, ms.base, next-1)
	}
	return nil
}

// LoadBlock loads a block from memory.
func (ms *MemoryStore) LoadBlock(height uint64) (types.Block, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.load(height)
}

func (ms *MemoryStore) load(height uint64) (types.Block, error) {
	if height < ms.base || height >= ms.base+uint64(len(ms.blocks)) {
		return types.Block{}, fmt.Errorf("%w: height %d", ErrNotFound, height)
	}
	return ms.blocks[height-ms.base], nil
}

// LoadBlocks loads blocks in a range.
func (ms *MemoryStore) LoadBlocks(fromHeight, toHeight uint64) ([]types.Block, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var blocks []types.Block
	for h := fromHeight; h <= toHeight; h++ {
		block, err := ms.load(h)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// LatestHeight returns the highest saved height.
func (ms *MemoryStore) LatestHeight() (uint64, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if len(ms.blocks) == 0 {
		return 0, ErrNotFound
	}
	return ms.base + uint64(len(ms.blocks)) - 1, nil
}

// Close closes the store
func (ms *MemoryStore) Close() error {
	return nil
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
