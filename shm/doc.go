// Copyright 2026 The Traced Authors
// SPDX-License-Identifier: Apache-2.0

// Package shm manages the shared-memory chunk objects that carry trace
// records from client to collector. Chunks are plain files in the shm
// directory (/dev/shm by default, which is exactly where POSIX
// shm_open places them on Linux), created mode 0600 and mapped with
// mmap on both sides.
//
// Ownership transfers with the name: the writer creates, fills, and
// unmaps a chunk, then announces its name on the control channel; the
// collector opens it read-only, unlinks it immediately so nothing
// leaks if parsing fails, and unmaps when done. The TRACED_SHM_DIR
// environment variable overrides the directory, which also makes
// hermetic tests possible.
package shm
