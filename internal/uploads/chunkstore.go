package uploads

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// AssembledFileName is the name of the reassembled statement video inside a
// session directory.
const AssembledFileName = "statement.media"

// ChunkStore keeps upload chunks on local disk, one file per chunk inside a
// per-session directory. Index-addressed files make reassembly independent of
// arrival order and make re-sent chunks a plain overwrite.
type ChunkStore struct {
	root string
}

// NewChunkStore creates a chunk store rooted at dir.
func NewChunkStore(dir string) (*ChunkStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("chunk store directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk store root: %w", err)
	}
	return &ChunkStore{root: dir}, nil
}

func (c *ChunkStore) sessionDir(sessionID string) string {
	return filepath.Join(c.root, sessionID)
}

func (c *ChunkStore) chunkPath(sessionID string, index int) string {
	return filepath.Join(c.sessionDir(sessionID), fmt.Sprintf("chunk_%06d.part", index))
}

// WriteChunk stores one chunk, returning the byte count and the hex SHA-256
// of the stored bytes. The chunk lands via a temp file and rename so a crash
// mid-write never leaves a torn chunk behind.
func (c *ChunkStore) WriteChunk(sessionID string, index int, body io.Reader) (int64, string, error) {
	dir := c.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, "", fmt.Errorf("create session directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "chunk_*.tmp")
	if err != nil {
		return 0, "", fmt.Errorf("create chunk temp file: %w", err)
	}
	tmpName := tmp.Name()
	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), body)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return 0, "", fmt.Errorf("write chunk: %w", err)
	}
	if err := os.Rename(tmpName, c.chunkPath(sessionID, index)); err != nil {
		os.Remove(tmpName)
		return 0, "", fmt.Errorf("commit chunk: %w", err)
	}
	return written, hex.EncodeToString(hasher.Sum(nil)), nil
}

// ChunkSize returns the stored size of a chunk, or ok=false when absent.
func (c *ChunkStore) ChunkSize(sessionID string, index int) (int64, bool, error) {
	info, err := os.Stat(c.chunkPath(sessionID, index))
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("stat chunk: %w", err)
	}
	return info.Size(), true, nil
}

// RemoveChunk discards a stored chunk. Missing chunks are not an error.
func (c *ChunkStore) RemoveChunk(sessionID string, index int) error {
	err := os.Remove(c.chunkPath(sessionID, index))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove chunk: %w", err)
	}
	return nil
}

// Assemble concatenates chunks 0..count-1 into the session's statement file,
// verifying every chunk is present. It returns the assembled size and the hex
// SHA-256 of the assembled bytes, then removes the chunk parts.
func (c *ChunkStore) Assemble(sessionID string, count int) (int64, string, error) {
	dir := c.sessionDir(sessionID)
	tmp, err := os.CreateTemp(dir, "assemble_*.tmp")
	if err != nil {
		return 0, "", fmt.Errorf("create assembly temp file: %w", err)
	}
	tmpName := tmp.Name()
	hasher := sha256.New()
	out := io.MultiWriter(tmp, hasher)
	var total int64
	for index := 0; index < count; index++ {
		chunk, err := os.Open(c.chunkPath(sessionID, index))
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
			if errors.Is(err, os.ErrNotExist) {
				return 0, "", fmt.Errorf("chunk %d missing during assembly", index)
			}
			return 0, "", fmt.Errorf("open chunk %d: %w", index, err)
		}
		written, err := io.Copy(out, chunk)
		chunk.Close()
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return 0, "", fmt.Errorf("copy chunk %d: %w", index, err)
		}
		total += written
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, "", fmt.Errorf("close assembly file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, AssembledFileName)); err != nil {
		os.Remove(tmpName)
		return 0, "", fmt.Errorf("commit assembly: %w", err)
	}
	for index := 0; index < count; index++ {
		if err := c.RemoveChunk(sessionID, index); err != nil {
			return 0, "", err
		}
	}
	return total, hex.EncodeToString(hasher.Sum(nil)), nil
}

// AssembledPath returns the path of the reassembled statement file.
func (c *ChunkStore) AssembledPath(sessionID string) string {
	return filepath.Join(c.sessionDir(sessionID), AssembledFileName)
}

// RemoveSession discards the session directory and everything in it.
func (c *ChunkStore) RemoveSession(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if err := os.RemoveAll(c.sessionDir(sessionID)); err != nil {
		return fmt.Errorf("remove session directory: %w", err)
	}
	return nil
}

// SessionDirs lists the session ids that currently have on-disk state.
func (c *ChunkStore) SessionDirs() ([]string, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return nil, fmt.Errorf("list chunk store: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}
