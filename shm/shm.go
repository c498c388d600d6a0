// Copyright 2026 The Traced Authors
// SPDX-License-Identifier: Apache-2.0

package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/traced-foundation/traced/wire"
)

// DefaultDir is where chunk objects live unless TRACED_SHM_DIR says
// otherwise. On Linux this is the tmpfs backing POSIX shared memory.
const DefaultDir = "/dev/shm"

// Dir returns the chunk directory: TRACED_SHM_DIR if set, otherwise
// DefaultDir.
func Dir() string {
	if dir := os.Getenv("TRACED_SHM_DIR"); dir != "" {
		return dir
	}
	return DefaultDir
}

// Chunk is a writable shared-memory chunk owned by a single tracer.
// Data is the full mapping, size wire.ChunkSize.
type Chunk struct {
	// Name is the chunk's object name ("tracechunk-<N>").
	Name string

	// Data is the read-write mapping of the whole chunk.
	Data []byte

	file *os.File
}

// Create makes the named chunk object in dir, sizes it to size bytes,
// and maps it read-write. Any pre-existing object with the same name
// is unlinked first. The mapping starts zeroed, so an unfinished chunk
// always terminates at the first NoMessage byte.
func Create(dir, name string, size int) (*Chunk, error) {
	path := filepath.Join(dir, name)

	// A leftover object with this name would be truncated and
	// overwritten anyway; unlinking keeps the create unambiguous.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("unlinking stale chunk %s: %w", path, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating chunk %s: %w", path, err)
	}
	if err := unix.Ftruncate(int(file.Fd()), int64(size)); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("sizing chunk %s to %d bytes: %w", path, size, err)
	}
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("mapping chunk %s: %w", path, err)
	}

	return &Chunk{Name: name, Data: data, file: file}, nil
}

// CloseWriter releases the writer's mapping and descriptor. The chunk
// contents persist under the object's name until the collector (or a
// startup sweep) unlinks it. After CloseWriter the owning tracer must
// not touch Data.
func (c *Chunk) CloseWriter() error {
	data := c.Data
	c.Data = nil
	unmapErr := unix.Munmap(data)
	closeErr := c.file.Close()
	if unmapErr != nil {
		return fmt.Errorf("unmapping chunk %s: %w", c.Name, unmapErr)
	}
	if closeErr != nil {
		return fmt.Errorf("closing chunk %s: %w", c.Name, closeErr)
	}
	return nil
}

// OpenReadOnly opens the named chunk, unlinks it, and returns a
// read-only mapping of size bytes. The unlink happens before the map
// so the object cannot leak if anything later fails; the kernel keeps
// the contents alive until the mapping is dropped with Unmap.
//
// An object smaller than size is rejected: mapping past the end of a
// short object would turn the first record read into a SIGBUS.
func OpenReadOnly(dir, name string, size int) ([]byte, error) {
	path := filepath.Join(dir, name)

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening chunk %s: %w", path, err)
	}
	defer file.Close()

	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("unlinking chunk %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat chunk %s: %w", path, err)
	}
	if info.Size() < int64(size) {
		return nil, fmt.Errorf("chunk %s is %d bytes, want %d", path, info.Size(), size)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mapping chunk %s read-only: %w", path, err)
	}
	return data, nil
}

// Unmap drops a mapping returned by OpenReadOnly.
func Unmap(data []byte) error {
	return unix.Munmap(data)
}

// Sweep unlinks every chunk object in dir whose name parses as a valid
// chunk name. Run at collector startup and client init to clear
// leftovers from crashed runs. Returns the number of objects removed.
func Sweep(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("sweeping chunk directory %s: %w", dir, err)
	}
	removed := 0
	for _, entry := range entries {
		if _, ok := wire.ParseChunkName(entry.Name()); !ok {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, fmt.Errorf("sweeping chunk %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}
