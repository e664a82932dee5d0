/*
SPDX-License-Identifier: Apache-2.0

Copyright 2025 AdviseWell

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package objstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryBucket is an in-memory Store for tests. It counts copies so
// idempotence assertions can prove a re-run copied nothing, and fails
// selected destinations to exercise partial-fanout handling.
type MemoryBucket struct {
	mu        sync.Mutex
	objects   map[string][]byte
	copyCount int
	failCopy  map[string]error
	signErr   error
}

var _ Store = (*MemoryBucket)(nil)

// NewMemoryBucket returns an empty fake bucket.
func NewMemoryBucket() *MemoryBucket {
	return &MemoryBucket{
		objects:  map[string][]byte{},
		failCopy: map[string]error{},
	}
}

// Put stores an object, for test setup.
func (b *MemoryBucket) Put(name string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[name] = append([]byte(nil), data...)
}

// CopyCount returns how many Copy calls succeeded.
func (b *MemoryBucket) CopyCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.copyCount
}

// FailCopyTo makes copies targeting dst fail with err.
func (b *MemoryBucket) FailCopyTo(dst string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failCopy[dst] = err
}

// SetSignError makes SignedURL fail with err until cleared.
func (b *MemoryBucket) SetSignError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signErr = err
}

func (b *MemoryBucket) List(_ context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for name := range b.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (b *MemoryBucket) Exists(_ context.Context, object string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[object]
	return ok, nil
}

func (b *MemoryBucket) Copy(_ context.Context, src, dst string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.failCopy[dst]; ok {
		return err
	}
	data, ok := b.objects[src]
	if !ok {
		return fmt.Errorf("copy %q: %w", src, ErrNotFound)
	}
	b.objects[dst] = append([]byte(nil), data...)
	b.copyCount++
	return nil
}

func (b *MemoryBucket) ReadAll(_ context.Context, object string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[object]
	if !ok {
		return nil, fmt.Errorf("read %q: %w", object, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (b *MemoryBucket) SignedURL(object string, ttl time.Duration) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.signErr != nil {
		return "", b.signErr
	}
	return fmt.Sprintf("https://storage.example.com/%s?expires=%ds", object, int(ttl.Seconds())), nil
}
