package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestOutbox(t *testing.T) *Outbox {
	t.Helper()
	o, err := OpenOutbox(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func TestOutboxRoundTrip(t *testing.T) {
	o := openTestOutbox(t)

	older := newMsg("l2", "", "a", "b", "older")
	older.Timestamp = time.Now().Add(-time.Minute)
	newer := newMsg("l1", "", "a", "b", "newer")

	require.NoError(t, o.Put(newer))
	require.NoError(t, o.Put(older))

	pending, err := o.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "older", pending[0].Content)
	assert.Equal(t, "newer", pending[1].Content)

	require.NoError(t, o.Delete("l2"))
	pending, err = o.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "l1", pending[0].LocalId)

	// Deleting an already acked entry is a no-op.
	require.NoError(t, o.Delete("l2"))
}
