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
	"time"

	"github.com/go-logr/logr"
)

// DryRunStore serves reads from the wrapped store and logs copies instead
// of performing them.
type DryRunStore struct {
	inner Store
	log   logr.Logger
}

var _ Store = (*DryRunStore)(nil)

// NewDryRun wraps inner.
func NewDryRun(inner Store, log logr.Logger) *DryRunStore {
	return &DryRunStore{inner: inner, log: log.WithName("objstore")}
}

func (d *DryRunStore) List(ctx context.Context, prefix string) ([]string, error) {
	return d.inner.List(ctx, prefix)
}

func (d *DryRunStore) Exists(ctx context.Context, object string) (bool, error) {
	return d.inner.Exists(ctx, object)
}

func (d *DryRunStore) Copy(_ context.Context, src, dst string) error {
	d.log.Info("dry-run: skipping object copy", "src", src, "dst", dst)
	return nil
}

func (d *DryRunStore) ReadAll(ctx context.Context, object string) ([]byte, error) {
	return d.inner.ReadAll(ctx, object)
}

func (d *DryRunStore) SignedURL(object string, ttl time.Duration) (string, error) {
	return d.inner.SignedURL(object, ttl)
}
