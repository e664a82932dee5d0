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

package meeting

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/AdviseWell/meeting-bot-controller/internal/docstore"
)

// Bot placement statuses stamped on meeting documents.
const (
	BotAssigned = "assigned"
	BotComplete = "complete"
)

// QueryByStartRange runs the base query once per start encoding (native
// timestamp and RFC3339 string) and unions the results by document path.
// Range filters are type sensitive in the document store, so a single
// query would miss every document whose writer used the other encoding.
func QueryByStartRange(ctx context.Context, store docstore.Store, base docstore.Query, from, to time.Time) ([]Record, error) {
	variants := []docstore.Query{
		withStartRange(base, from.UTC(), to.UTC()),
		withStartRange(base, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339)),
	}

	seen := map[string]struct{}{}
	var out []Record
	for _, q := range variants {
		docs, err := store.Query(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("query meetings by start range: %w", err)
		}
		for _, doc := range docs {
			if _, dup := seen[doc.Path]; dup {
				continue
			}
			seen[doc.Path] = struct{}{}
			out = append(out, ParseRecord(doc.Path, doc.Data))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

func withStartRange(base docstore.Query, from, to any) docstore.Query {
	q := base
	q.Filters = append(append([]docstore.Filter(nil), base.Filters...),
		docstore.Filter{Field: "start", Op: docstore.OpGreaterOrEqual, Value: from},
		docstore.Filter{Field: "start", Op: docstore.OpLessOrEqual, Value: to},
	)
	return q
}
