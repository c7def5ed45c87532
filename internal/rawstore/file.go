// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rawstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
)

// FileScheme prefixes references produced by FileStore.
const FileScheme = "file"

var sha256Hex = regexp.MustCompile(`^[0-9a-f]{64}$`)

// FileStore writes messages as <sha256>.eml under a directory. Identical
// content maps to the same file, so Put is idempotent.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Hash returns the hex sha256 of raw.
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func (s *FileStore) Put(_ context.Context, raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("store raw message: empty content")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create raw dir: %w", err)
	}

	hash := Hash(raw)
	path := s.path(hash)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		// Write to a temp file first so a reader never sees a partial message.
		tmp, err := os.CreateTemp(s.dir, hash+".*.tmp")
		if err != nil {
			return "", fmt.Errorf("create temp file: %w", err)
		}
		if _, err := tmp.Write(raw); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return "", fmt.Errorf("write raw message: %w", err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return "", fmt.Errorf("close raw message: %w", err)
		}
		if err := os.Rename(tmp.Name(), path); err != nil {
			os.Remove(tmp.Name())
			return "", fmt.Errorf("rename raw message: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("stat raw message: %w", err)
	}

	return FileScheme + ":" + hash, nil
}

func (s *FileStore) Get(_ context.Context, ref string) ([]byte, error) {
	scheme, hash, err := SplitRef(ref)
	if err != nil {
		return nil, err
	}
	if scheme != FileScheme || !sha256Hex.MatchString(hash) {
		return nil, fmt.Errorf("%w: %q", ErrBadRef, ref)
	}

	raw, err := os.ReadFile(s.path(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("read raw message: %w", err)
	}
	return raw, nil
}

func (s *FileStore) path(hash string) string {
	return filepath.Join(s.dir, hash+".eml")
}
