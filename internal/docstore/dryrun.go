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

	"github.com/go-logr/logr"
)

// DryRunStore serves reads from the wrapped store and logs writes instead
// of applying them. Transactions run read-only: the callback's reads hit
// real documents, its writes are swallowed after being logged.
type DryRunStore struct {
	inner Store
	log   logr.Logger
}

var _ Store = (*DryRunStore)(nil)

// NewDryRun wraps inner.
func NewDryRun(inner Store, log logr.Logger) *DryRunStore {
	return &DryRunStore{inner: inner, log: log.WithName("docstore")}
}

func (d *DryRunStore) Get(ctx context.Context, path string) (Document, error) {
	return d.inner.Get(ctx, path)
}

func (d *DryRunStore) Query(ctx context.Context, q Query) ([]Document, error) {
	return d.inner.Query(ctx, q)
}

func (d *DryRunStore) Create(_ context.Context, path string, data map[string]any) error {
	d.log.Info("dry-run: skipping document create", "path", path, "fields", mapKeys(data))
	return nil
}

func (d *DryRunStore) Set(_ context.Context, path string, data map[string]any) error {
	d.log.Info("dry-run: skipping document set", "path", path, "fields", mapKeys(data))
	return nil
}

func (d *DryRunStore) Update(_ context.Context, path string, updates []Update) error {
	d.log.Info("dry-run: skipping document update", "path", path, "fields", updateFields(updates))
	return nil
}

func (d *DryRunStore) Delete(_ context.Context, path string) error {
	d.log.Info("dry-run: skipping document delete", "path", path)
	return nil
}

func (d *DryRunStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return d.inner.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return fn(ctx, &dryRunTx{inner: tx, log: d.log})
	})
}

type dryRunTx struct {
	inner Tx
	log   logr.Logger
}

func (t *dryRunTx) Get(path string) (Document, error) {
	return t.inner.Get(path)
}

func (t *dryRunTx) Create(path string, data map[string]any) error {
	t.log.Info("dry-run: skipping document create", "path", path, "fields", mapKeys(data))
	return nil
}

func (t *dryRunTx) Set(path string, data map[string]any) error {
	t.log.Info("dry-run: skipping document set", "path", path, "fields", mapKeys(data))
	return nil
}

func (t *dryRunTx) Update(path string, updates []Update) error {
	t.log.Info("dry-run: skipping document update", "path", path, "fields", updateFields(updates))
	return nil
}

func (t *dryRunTx) Delete(path string) error {
	t.log.Info("dry-run: skipping document delete", "path", path)
	return nil
}

func mapKeys(data map[string]any) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	return keys
}

func updateFields(updates []Update) []string {
	fields := make([]string, 0, len(updates))
	for _, u := range updates {
		fields = append(fields, u.Field)
	}
	return fields
}
