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
Package objstore defines the artifact bucket port consumed by the fanout
engine, with a GCS adapter and an in-memory fake that counts copies and
injects per-object failures.
*/
package objstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for reads of absent objects.
var ErrNotFound = errors.New("objstore: object not found")

// Store is the object-store port. Object names are bucket-relative paths
// such as recordings/u1/m1/recording.mp4.
type Store interface {
	// List returns the names of all objects under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, object string) (bool, error)
	// Copy duplicates src to dst within the bucket.
	Copy(ctx context.Context, src, dst string) error
	ReadAll(ctx context.Context, object string) ([]byte, error)
	// SignedURL mints a time-limited download URL for an object.
	SignedURL(object string, ttl time.Duration) (string, error)
}
