package train

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/openfluke/mthgnn/nn"
)

// Checkpointer persists the checkpoints emitted on validation improvement.
type Checkpointer interface {
	Save(ckpt *nn.Checkpoint) error
}

// CheckpointName returns the file name used for the checkpoint of epoch.
func CheckpointName(epoch int) string {
	return fmt.Sprintf("best_model_epoch_%d.safetensors", epoch)
}

// FileCheckpointer writes every checkpoint as its own safetensors file in Dir.
type FileCheckpointer struct {
	Dir string

	mu    sync.Mutex
	paths []string
}

// NewFileCheckpointer creates dir if needed.
func NewFileCheckpointer(dir string) (*FileCheckpointer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileCheckpointer{Dir: dir}, nil
}

func (f *FileCheckpointer) Save(ckpt *nn.Checkpoint) error {
	path := filepath.Join(f.Dir, CheckpointName(ckpt.Epoch))
	if err := ckpt.Save(path); err != nil {
		return err
	}
	f.mu.Lock()
	f.paths = append(f.paths, path)
	f.mu.Unlock()
	return nil
}

// Paths returns the files written so far, oldest first.
func (f *FileCheckpointer) Paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

// Latest returns the most recently written file, or "" when none exists.
func (f *FileCheckpointer) Latest() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.paths) == 0 {
		return ""
	}
	return f.paths[len(f.paths)-1]
}

// MemoryCheckpointer keeps encoded checkpoints in memory.
type MemoryCheckpointer struct {
	mu    sync.Mutex
	blobs [][]byte
}

func (m *MemoryCheckpointer) Save(ckpt *nn.Checkpoint) error {
	data, err := ckpt.Encode()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.blobs = append(m.blobs, data)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored checkpoints.
func (m *MemoryCheckpointer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}

// Latest decodes the most recent checkpoint.
func (m *MemoryCheckpointer) Latest() (*nn.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.blobs) == 0 {
		return nil, fmt.Errorf("%w: no checkpoint saved", nn.ErrCheckpoint)
	}
	return nn.DecodeCheckpoint(m.blobs[len(m.blobs)-1])
}

// Epochs returns the epoch of every stored checkpoint in save order.
func (m *MemoryCheckpointer) Epochs() ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.blobs))
	for _, b := range m.blobs {
		c, err := nn.DecodeCheckpoint(b)
		if err != nil {
			return nil, err
		}
		out = append(out, c.Epoch)
	}
	return out, nil
}
