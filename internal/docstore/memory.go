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

package docstore

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-memory Store for tests. Transactions are single-writer
// (the store mutex is held for the whole transaction) and enforce the same
// read-before-write ordering as Firestore.
type Memory struct {
	mu   sync.Mutex
	docs map[string]map[string]any
	err  error
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{docs: map[string]map[string]any{}}
}

// Seed stores a document without error handling, for test setup.
func (m *Memory) Seed(path string, data map[string]any) {
	if err := validateDocPath(path); err != nil {
		panic(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[path] = deepCopyMap(data)
}

// SetError forces every subsequent operation to fail with err until called
// again with nil. Used to test store-outage behaviour.
func (m *Memory) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Paths returns the sorted document paths with the given prefix.
func (m *Memory) Paths(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for path := range m.docs {
		if strings.HasPrefix(path, prefix) {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Memory) Get(_ context.Context, path string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return Document{}, m.err
	}
	if err := validateDocPath(path); err != nil {
		return Document{}, err
	}
	data, ok := m.docs[path]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return Document{Path: path, Data: deepCopyMap(data)}, nil
}

func (m *Memory) Create(_ context.Context, path string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if err := validateDocPath(path); err != nil {
		return err
	}
	if _, ok := m.docs[path]; ok {
		return fmt.Errorf("%w: %s", ErrExists, path)
	}
	m.docs[path] = deepCopyMap(data)
	return nil
}

func (m *Memory) Set(_ context.Context, path string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if err := validateDocPath(path); err != nil {
		return err
	}
	existing, ok := m.docs[path]
	if !ok {
		m.docs[path] = deepCopyMap(data)
		return nil
	}
	mergeMaps(existing, data)
	return nil
}

func (m *Memory) Update(_ context.Context, path string, updates []Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if err := validateDocPath(path); err != nil {
		return err
	}
	doc, ok := m.docs[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	applyUpdates(doc, updates)
	return nil
}

func (m *Memory) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if err := validateDocPath(path); err != nil {
		return err
	}
	delete(m.docs, path)
	return nil
}

func (m *Memory) Query(_ context.Context, q Query) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if (q.Collection == "") == (q.Group == "") {
		return nil, fmt.Errorf("query must set exactly one of collection and group")
	}

	var out []Document
	for path, data := range m.docs {
		if q.Collection != "" && parentCollection(path) != q.Collection {
			continue
		}
		if q.Group != "" && collectionID(path) != q.Group {
			continue
		}
		// Ordered queries drop documents missing the order field, matching
		// Firestore index semantics.
		if q.OrderBy != "" {
			if _, ok := lookupField(data, q.OrderBy); !ok {
				continue
			}
		}
		if !matchesFilters(data, q.Filters) {
			continue
		}
		out = append(out, Document{Path: path, Data: deepCopyMap(data)})
	}

	sort.Slice(out, func(i, j int) bool {
		if q.OrderBy != "" {
			vi, _ := lookupField(out[i].Data, q.OrderBy)
			vj, _ := lookupField(out[j].Data, q.OrderBy)
			if c, ok := compareValues(vi, vj); ok && c != 0 {
				if q.Desc {
					return c > 0
				}
				return c < 0
			}
		}
		return out[i].Path < out[j].Path
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}

	tx := &memoryTx{m: m, staged: map[string]map[string]any{}}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for path, data := range tx.staged {
		if data == nil {
			delete(m.docs, path)
			continue
		}
		m.docs[path] = data
	}
	return nil
}

// memoryTx stages writes in an overlay that commits only when the
// transaction function returns nil. A nil overlay entry marks a delete.
type memoryTx struct {
	m      *Memory
	staged map[string]map[string]any
	wrote  bool
}

func (t *memoryTx) current(path string) (map[string]any, bool) {
	if data, ok := t.staged[path]; ok {
		return data, data != nil
	}
	data, ok := t.m.docs[path]
	return data, ok
}

func (t *memoryTx) Get(path string) (Document, error) {
	if t.wrote {
		return Document{}, ErrReadAfterWrite
	}
	if err := validateDocPath(path); err != nil {
		return Document{}, err
	}
	data, ok := t.m.docs[path]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return Document{Path: path, Data: deepCopyMap(data)}, nil
}

func (t *memoryTx) Create(path string, data map[string]any) error {
	if err := validateDocPath(path); err != nil {
		return err
	}
	t.wrote = true
	if _, ok := t.current(path); ok {
		return fmt.Errorf("%w: %s", ErrExists, path)
	}
	t.staged[path] = deepCopyMap(data)
	return nil
}

func (t *memoryTx) Set(path string, data map[string]any) error {
	if err := validateDocPath(path); err != nil {
		return err
	}
	t.wrote = true
	existing, ok := t.current(path)
	if !ok {
		t.staged[path] = deepCopyMap(data)
		return nil
	}
	merged := deepCopyMap(existing)
	mergeMaps(merged, data)
	t.staged[path] = merged
	return nil
}

func (t *memoryTx) Update(path string, updates []Update) error {
	if err := validateDocPath(path); err != nil {
		return err
	}
	t.wrote = true
	existing, ok := t.current(path)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	updated := deepCopyMap(existing)
	applyUpdates(updated, updates)
	t.staged[path] = updated
	return nil
}

func (t *memoryTx) Delete(path string) error {
	if err := validateDocPath(path); err != nil {
		return err
	}
	t.wrote = true
	t.staged[path] = nil
	return nil
}

func validateDocPath(path string) error {
	parts := strings.Split(path, "/")
	if len(parts)%2 != 0 {
		return fmt.Errorf("invalid document path %q: odd number of segments", path)
	}
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("invalid document path %q: empty segment", path)
		}
	}
	return nil
}

func parentCollection(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

func collectionID(path string) string {
	parent := parentCollection(path)
	if idx := strings.LastIndex(parent, "/"); idx >= 0 {
		return parent[idx+1:]
	}
	return parent
}

func matchesFilters(data map[string]any, filters []Filter) bool {
	for _, f := range filters {
		got, present := lookupField(data, f.Field)
		switch f.Op {
		case OpEqual:
			if !present || !valuesEqual(got, f.Value) {
				return false
			}
		case OpNotEqual:
			// Firestore != excludes documents missing the field.
			if !present || valuesEqual(got, f.Value) {
				return false
			}
		case OpGreaterOrEqual:
			c, ok := compareValues(got, f.Value)
			if !present || !ok || c < 0 {
				return false
			}
		case OpLessOrEqual:
			c, ok := compareValues(got, f.Value)
			if !present || !ok || c > 0 {
				return false
			}
		case OpIn:
			if !present || !containsValue(f.Value, got) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func lookupField(data map[string]any, field string) (any, bool) {
	parts := strings.Split(field, ".")
	current := any(data)
	for _, p := range parts {
		asMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = asMap[p]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func applyUpdates(doc map[string]any, updates []Update) {
	for _, u := range updates {
		parts := strings.Split(u.Field, ".")
		target := doc
		for _, p := range parts[:len(parts)-1] {
			next, ok := target[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				target[p] = next
			}
			target = next
		}
		target[parts[len(parts)-1]] = deepCopyValue(u.Value)
	}
}

func valuesEqual(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Equal(tb)
		}
		return false
	}
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders two values of the same family. The second return
// is false for incomparable pairs.
func compareValues(a, b any) (int, bool) {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		switch {
		case ta.Before(tb):
			return -1, true
		case ta.After(tb):
			return 1, true
		default:
			return 0, true
		}
	}
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func containsValue(list, candidate any) bool {
	rv := reflect.ValueOf(list)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if valuesEqual(rv.Index(i).Interface(), candidate) {
			return true
		}
	}
	return false
}

func mergeMaps(dst, src map[string]any) {
	for k, v := range src {
		if srcMap, ok := v.(map[string]any); ok {
			if dstMap, ok := dst[k].(map[string]any); ok {
				mergeMaps(dstMap, srcMap)
				continue
			}
		}
		dst[k] = deepCopyValue(v)
	}
}

func deepCopyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return deepCopyMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = deepCopyValue(item)
		}
		return out
	case []string:
		out := make([]string, len(tv))
		copy(out, tv)
		return out
	case map[string]string:
		out := make(map[string]string, len(tv))
		for k, s := range tv {
			out[k] = s
		}
		return out
	default:
		return v
	}
}
