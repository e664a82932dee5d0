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

/*
Package docstore defines the document-store port used by every component
that touches meetings, sessions or the leader lease, together with a
Firestore adapter and an in-memory fake for tests.

The port deliberately mirrors the Firestore transactional model: inside a
transaction all reads must happen before the first write. Both
implementations reject reads after writes, so a misordered transaction
fails in unit tests the same way it would in production.
*/
package docstore

import (
	"context"
	"errors"
)

// Sentinel errors shared by all implementations.
var (
	ErrNotFound       = errors.New("docstore: document not found")
	ErrExists         = errors.New("docstore: document already exists")
	ErrContention     = errors.New("docstore: transaction contention")
	ErrReadAfterWrite = errors.New("docstore: read after write in transaction")
)

// Document is a snapshot of one document.
type Document struct {
	Path string
	Data map[string]any
}

// Exists reports whether the snapshot refers to a stored document.
func (d Document) Exists() bool {
	return d.Path != "" && d.Data != nil
}

// Update mutates one field. Dotted field paths address nested maps.
type Update struct {
	Field string
	Value any
}

// Op is a query filter operator.
type Op string

const (
	OpEqual          Op = "=="
	OpNotEqual       Op = "!="
	OpGreaterOrEqual Op = ">="
	OpLessOrEqual    Op = "<="
	OpIn             Op = "in"
)

// Filter is one query predicate.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Query selects documents from a collection path or from every collection
// with a given id (collection-group). Exactly one of Collection and Group
// must be set.
type Query struct {
	Collection string
	Group      string
	Filters    []Filter
	OrderBy    string
	Desc       bool
	Limit      int
}

// Tx is the transactional surface. Reads after the first write fail with
// ErrReadAfterWrite.
type Tx interface {
	Get(path string) (Document, error)
	Create(path string, data map[string]any) error
	// Set merges data into the document, creating it when absent.
	Set(path string, data map[string]any) error
	Update(path string, updates []Update) error
	Delete(path string) error
}

// Store is the document-store port.
type Store interface {
	Get(ctx context.Context, path string) (Document, error)
	Create(ctx context.Context, path string, data map[string]any) error
	// Set merges data into the document, creating it when absent.
	Set(ctx context.Context, path string, data map[string]any) error
	Update(ctx context.Context, path string, updates []Update) error
	Delete(ctx context.Context, path string) error
	Query(ctx context.Context, q Query) ([]Document, error)
	// RunTransaction executes fn atomically. A conflicting concurrent
	// transaction surfaces as ErrContention after retries are exhausted.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
