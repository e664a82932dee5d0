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
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

const (
	defaultCallTimeout = 30 * time.Second
	// Server-side copies of long recordings take a while.
	copyTimeout = 2 * time.Minute
)

// GCSStore adapts one bucket of a storage client to the Store port.
type GCSStore struct {
	bucket *storage.BucketHandle
}

var _ Store = (*GCSStore)(nil)

// NewGCS wraps an existing client. The caller owns the client's lifecycle.
func NewGCS(client *storage.Client, bucket string) *GCSStore {
	return &GCSStore{bucket: client.Bucket(bucket)}
}

func (s *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %q: %w", prefix, err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

func (s *GCSStore) Exists(ctx context.Context, object string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	_, err := s.bucket.Object(object).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %q: %w", object, err)
	}
	return true, nil
}

func (s *GCSStore) Copy(ctx context.Context, src, dst string) error {
	ctx, cancel := context.WithTimeout(ctx, copyTimeout)
	defer cancel()

	copier := s.bucket.Object(dst).CopierFrom(s.bucket.Object(src))
	if _, err := copier.Run(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("copy %q: %w", src, ErrNotFound)
		}
		return fmt.Errorf("copy %q to %q: %w", src, dst, err)
	}
	return nil
}

func (s *GCSStore) ReadAll(ctx context.Context, object string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	r, err := s.bucket.Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("read %q: %w", object, ErrNotFound)
		}
		return nil, fmt.Errorf("read %q: %w", object, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", object, err)
	}
	return data, nil
}

func (s *GCSStore) SignedURL(object string, ttl time.Duration) (string, error) {
	url, err := s.bucket.SignedURL(object, &storage.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(ttl),
		Scheme:  storage.SigningSchemeV4,
	})
	if err != nil {
		return "", fmt.Errorf("sign %q: %w", object, err)
	}
	return url, nil
}
