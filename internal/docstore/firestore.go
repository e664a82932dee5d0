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
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// defaultCallTimeout bounds every individual store call. Cycles have no
// overall deadline, so a hung RPC must not stall the loop forever.
const defaultCallTimeout = 30 * time.Second

// FirestoreStore adapts a Firestore client to the Store port.
type FirestoreStore struct {
	client      *firestore.Client
	callTimeout time.Duration
}

var _ Store = (*FirestoreStore)(nil)

// NewFirestore wraps an existing client. The caller owns the client's
// lifecycle and closes it on shutdown.
func NewFirestore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client, callTimeout: defaultCallTimeout}
}

func (s *FirestoreStore) Get(ctx context.Context, path string) (Document, error) {
	ref := s.client.Doc(path)
	if ref == nil {
		return Document{}, fmt.Errorf("invalid document path %q", path)
	}
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	snap, err := ref.Get(ctx)
	if err != nil {
		return Document{}, mapError(err)
	}
	return Document{Path: path, Data: snap.Data()}, nil
}

func (s *FirestoreStore) Create(ctx context.Context, path string, data map[string]any) error {
	ref := s.client.Doc(path)
	if ref == nil {
		return fmt.Errorf("invalid document path %q", path)
	}
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	_, err := ref.Create(ctx, data)
	return mapError(err)
}

func (s *FirestoreStore) Set(ctx context.Context, path string, data map[string]any) error {
	ref := s.client.Doc(path)
	if ref == nil {
		return fmt.Errorf("invalid document path %q", path)
	}
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	_, err := ref.Set(ctx, data, firestore.MergeAll)
	return mapError(err)
}

func (s *FirestoreStore) Update(ctx context.Context, path string, updates []Update) error {
	ref := s.client.Doc(path)
	if ref == nil {
		return fmt.Errorf("invalid document path %q", path)
	}
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	_, err := ref.Update(ctx, toFirestoreUpdates(updates))
	return mapError(err)
}

func (s *FirestoreStore) Delete(ctx context.Context, path string) error {
	ref := s.client.Doc(path)
	if ref == nil {
		return fmt.Errorf("invalid document path %q", path)
	}
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	_, err := ref.Delete(ctx)
	return mapError(err)
}

func (s *FirestoreStore) Query(ctx context.Context, q Query) ([]Document, error) {
	fq, err := s.buildQuery(q)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	iter := fq.Documents(ctx)
	defer iter.Stop()

	var out []Document
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, mapError(err)
		}
		out = append(out, Document{Path: relativePath(snap.Ref.Path), Data: snap.Data()})
	}
	return out, nil
}

func (s *FirestoreStore) buildQuery(q Query) (firestore.Query, error) {
	var fq firestore.Query
	switch {
	case q.Collection != "" && q.Group != "":
		return fq, fmt.Errorf("query sets both collection %q and group %q", q.Collection, q.Group)
	case q.Collection != "":
		col := s.client.Collection(q.Collection)
		if col == nil {
			return fq, fmt.Errorf("invalid collection path %q", q.Collection)
		}
		fq = col.Query
	case q.Group != "":
		fq = s.client.CollectionGroup(q.Group).Query
	default:
		return fq, fmt.Errorf("query sets neither collection nor group")
	}

	for _, f := range q.Filters {
		fq = fq.Where(f.Field, string(f.Op), f.Value)
	}
	if q.OrderBy != "" {
		dir := firestore.Asc
		if q.Desc {
			dir = firestore.Desc
		}
		fq = fq.OrderBy(q.OrderBy, dir)
	}
	if q.Limit > 0 {
		fq = fq.Limit(q.Limit)
	}
	return fq, nil
}

func (s *FirestoreStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	err := s.client.RunTransaction(ctx, func(ctx context.Context, t *firestore.Transaction) error {
		return fn(ctx, &firestoreTx{client: s.client, tx: t})
	})
	return mapError(err)
}

// firestoreTx enforces the read-before-write ordering itself so both
// implementations of the port fail identically on misuse.
type firestoreTx struct {
	client *firestore.Client
	tx     *firestore.Transaction
	wrote  bool
}

func (t *firestoreTx) Get(path string) (Document, error) {
	if t.wrote {
		return Document{}, ErrReadAfterWrite
	}
	ref := t.client.Doc(path)
	if ref == nil {
		return Document{}, fmt.Errorf("invalid document path %q", path)
	}
	snap, err := t.tx.Get(ref)
	if err != nil {
		return Document{}, mapError(err)
	}
	return Document{Path: path, Data: snap.Data()}, nil
}

func (t *firestoreTx) Create(path string, data map[string]any) error {
	ref := t.client.Doc(path)
	if ref == nil {
		return fmt.Errorf("invalid document path %q", path)
	}
	t.wrote = true
	return mapError(t.tx.Create(ref, data))
}

func (t *firestoreTx) Set(path string, data map[string]any) error {
	ref := t.client.Doc(path)
	if ref == nil {
		return fmt.Errorf("invalid document path %q", path)
	}
	t.wrote = true
	return mapError(t.tx.Set(ref, data, firestore.MergeAll))
}

func (t *firestoreTx) Update(path string, updates []Update) error {
	ref := t.client.Doc(path)
	if ref == nil {
		return fmt.Errorf("invalid document path %q", path)
	}
	t.wrote = true
	return mapError(t.tx.Update(ref, toFirestoreUpdates(updates)))
}

func (t *firestoreTx) Delete(path string) error {
	ref := t.client.Doc(path)
	if ref == nil {
		return fmt.Errorf("invalid document path %q", path)
	}
	t.wrote = true
	return mapError(t.tx.Delete(ref))
}

func toFirestoreUpdates(updates []Update) []firestore.Update {
	out := make([]firestore.Update, 0, len(updates))
	for _, u := range updates {
		out = append(out, firestore.Update{Path: u.Field, Value: u.Value})
	}
	return out
}

// relativePath strips the projects/{p}/databases/{d}/documents/ prefix
// Firestore puts on resource names.
func relativePath(resourceName string) string {
	if _, rel, ok := strings.Cut(resourceName, "/documents/"); ok {
		return rel
	}
	return resourceName
}

// mapError translates gRPC status codes to the port's sentinel errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%w (%s)", ErrNotFound, err)
	case codes.AlreadyExists:
		return fmt.Errorf("%w (%s)", ErrExists, err)
	case codes.Aborted:
		return fmt.Errorf("%w (%s)", ErrContention, err)
	}
	return err
}
