package docstore

import (
	"context"
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDryRun_ReadsDelegate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Seed("organizations/o1/meetings/m1", map[string]any{"status": "scheduled"})
	d := NewDryRun(m, logr.Discard())

	doc, err := d.Get(ctx, "organizations/o1/meetings/m1")
	require.NoError(t, err)
	assert.Equal(t, "scheduled", doc.Data["status"])

	docs, err := d.Query(ctx, Query{Collection: "organizations/o1/meetings"})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestDryRun_WritesAreSwallowed(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Seed("organizations/o1/meetings/m1", map[string]any{"status": "scheduled"})
	d := NewDryRun(m, logr.Discard())

	require.NoError(t, d.Create(ctx, "organizations/o1/meetings/m2", map[string]any{"status": "scheduled"}))
	require.NoError(t, d.Set(ctx, "organizations/o1/meetings/m1", map[string]any{"status": "queued"}))
	require.NoError(t, d.Update(ctx, "organizations/o1/meetings/m1", []Update{{Field: "status", Value: "queued"}}))
	require.NoError(t, d.Delete(ctx, "organizations/o1/meetings/m1"))

	doc, err := m.Get(ctx, "organizations/o1/meetings/m1")
	require.NoError(t, err)
	assert.Equal(t, "scheduled", doc.Data["status"])

	_, err = m.Get(ctx, "organizations/o1/meetings/m2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDryRun_TransactionReadsRealWritesNothing(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Seed("organizations/o1/meetings/m1", map[string]any{"status": "scheduled"})
	d := NewDryRun(m, logr.Discard())

	err := d.RunTransaction(ctx, func(_ context.Context, tx Tx) error {
		doc, err := tx.Get("organizations/o1/meetings/m1")
		if err != nil {
			return err
		}
		if doc.Data["status"] != "scheduled" {
			return errors.New("unexpected status")
		}
		if err := tx.Update("organizations/o1/meetings/m1", []Update{{Field: "status", Value: "queued"}}); err != nil {
			return err
		}
		return tx.Create("organizations/o1/meetings/m2", map[string]any{"status": "scheduled"})
	})
	require.NoError(t, err)

	doc, err := m.Get(ctx, "organizations/o1/meetings/m1")
	require.NoError(t, err)
	assert.Equal(t, "scheduled", doc.Data["status"])
	_, err = m.Get(ctx, "organizations/o1/meetings/m2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDryRun_TransactionErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	d := NewDryRun(m, logr.Discard())

	err := d.RunTransaction(ctx, func(_ context.Context, tx Tx) error {
		_, err := tx.Get("organizations/o1/meetings/nope")
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)

	m.SetError(assert.AnError)
	_, err = d.Get(ctx, "organizations/o1/meetings/nope")
	assert.ErrorIs(t, err, assert.AnError)
	m.SetError(nil)
}
