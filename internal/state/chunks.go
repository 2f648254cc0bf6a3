// internal/state/chunks.go
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/user/tgmux/internal/types"
)

// completeMarker is written after the last chunk of a file.
const completeMarker = "_all"

var fileIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidFileID reports whether fileID can name a directory in the chunk store.
func ValidFileID(fileID string) bool {
	return fileIDPattern.MatchString(fileID)
}

// ChunkStore persists downloaded chunks as
// downloads/<sessionID>/<fileID>/<n>, numbered from 0.
type ChunkStore struct {
	root string
}

// NewChunkStore creates the chunk store of one session.
func NewChunkStore(dataDir string, id types.SessionID) *ChunkStore {
	return &ChunkStore{root: filepath.Join(dataDir, "downloads", string(id))}
}

func (c *ChunkStore) fileDir(fileID string) (string, error) {
	if !ValidFileID(fileID) {
		return "", types.NewInputError("Invalid file ID")
	}
	return filepath.Join(c.root, fileID), nil
}

// State counts the contiguous chunks present from 0 and sums their sizes.
func (c *ChunkStore) State(fileID string) (types.DownloadState, error) {
	dir, err := c.fileDir(fileID)
	if err != nil {
		return types.DownloadState{}, err
	}
	var st types.DownloadState
	for {
		info, err := os.Stat(filepath.Join(dir, strconv.Itoa(st.Parts)))
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return types.DownloadState{}, fmt.Errorf("stat chunk: %w", err)
		}
		st.Parts++
		st.Offset += info.Size()
	}
	if _, err := os.Stat(filepath.Join(dir, completeMarker)); err == nil {
		st.Complete = true
	}
	return st, nil
}

// Read returns chunk n.
func (c *ChunkStore) Read(fileID string, n int) ([]byte, error) {
	dir, err := c.fileDir(fileID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, strconv.Itoa(n)))
	if err != nil {
		return nil, fmt.Errorf("read chunk %d: %w", n, err)
	}
	return data, nil
}

// Write stores chunk n atomically, so a reader never observes a partial
// chunk.
func (c *ChunkStore) Write(fileID string, n int, data []byte) error {
	dir, err := c.fileDir(fileID)
	if err != nil {
		return err
	}
	return writeAtomic(dir, strconv.Itoa(n), data)
}

// MarkComplete records that every chunk of fileID is stored.
func (c *ChunkStore) MarkComplete(fileID string) error {
	dir, err := c.fileDir(fileID)
	if err != nil {
		return err
	}
	return writeAtomic(dir, completeMarker, nil)
}

// RemoveAll deletes every stored file of the session.
func (c *ChunkStore) RemoveAll() error {
	return os.RemoveAll(c.root)
}

func writeAtomic(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create chunk dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+name+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp chunk: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write chunk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close chunk: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename chunk: %w", err)
	}
	return nil
}
