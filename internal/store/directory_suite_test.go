// ABOUTME: Behavioral test suite every entity directory driver must pass
// ABOUTME: Run by the SQLite tests and by the Postgres integration test

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fanout-gateway/internal/fanout"
)

var (
	channelA = fanout.Entity{Type: fanout.EntityChannel, ID: "a"}
	channelB = fanout.Entity{Type: fanout.EntityChannel, ID: "b"}
	docA     = fanout.Entity{Type: fanout.EntityDocument, ID: "a"}
)

func runDirectorySuite(t *testing.T, newDir func(t *testing.T) Directory) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sub := func(conn, user, node string, e fanout.Entity, at time.Time) Subscription {
		return Subscription{ConnectionID: conn, UserID: user, NodeID: node, Entity: e, LastActiveAt: at}
	}

	t.Run("list unknown entity is empty", func(t *testing.T) {
		d := newDir(t)
		conns, err := d.ListConnections(t.Context(), channelA)
		require.NoError(t, err)
		assert.NotNil(t, conns)
		assert.Empty(t, conns)
	})

	t.Run("subscribe and list", func(t *testing.T) {
		d := newDir(t)
		ctx := t.Context()
		require.NoError(t, d.Subscribe(ctx, sub("c1", "alice", "n1", channelA, base)))
		require.NoError(t, d.Subscribe(ctx, sub("c2", "bob", "n2", channelA, base.Add(time.Second))))
		require.NoError(t, d.Subscribe(ctx, sub("c3", "carol", "n1", channelB, base)))
		require.NoError(t, d.Subscribe(ctx, sub("c4", "dave", "n1", docA, base)))

		conns, err := d.ListConnections(ctx, channelA)
		require.NoError(t, err)
		assert.Equal(t, []fanout.StoredConnectionEntity{
			{ConnectionID: "c1", UserID: "alice", NodeID: "n1", LastActiveAt: base},
			{ConnectionID: "c2", UserID: "bob", NodeID: "n2", LastActiveAt: base.Add(time.Second)},
		}, conns)

		conns, err = d.ListConnections(ctx, docA)
		require.NoError(t, err)
		require.Len(t, conns, 1)
		assert.Equal(t, "c4", conns[0].ConnectionID, "entity type is part of the key")
	})

	t.Run("subscribe is an upsert", func(t *testing.T) {
		d := newDir(t)
		ctx := t.Context()
		require.NoError(t, d.Subscribe(ctx, sub("c1", "alice", "n1", channelA, base)))
		require.NoError(t, d.Subscribe(ctx, sub("c1", "alice", "n2", channelA, base.Add(time.Minute))))

		conns, err := d.ListConnections(ctx, channelA)
		require.NoError(t, err)
		require.Len(t, conns, 1)
		assert.Equal(t, "n2", conns[0].NodeID)
		assert.True(t, base.Add(time.Minute).Equal(conns[0].LastActiveAt))
	})

	t.Run("unsubscribe", func(t *testing.T) {
		d := newDir(t)
		ctx := t.Context()
		require.NoError(t, d.Subscribe(ctx, sub("c1", "alice", "n1", channelA, base)))
		require.NoError(t, d.Subscribe(ctx, sub("c1", "alice", "n1", channelB, base)))

		require.NoError(t, d.Unsubscribe(ctx, "c1", channelA))
		assert.ErrorIs(t, d.Unsubscribe(ctx, "c1", channelA), ErrNotFound)

		conns, err := d.ListConnections(ctx, channelA)
		require.NoError(t, err)
		assert.Empty(t, conns)
		conns, err = d.ListConnections(ctx, channelB)
		require.NoError(t, err)
		assert.Len(t, conns, 1)
	})

	t.Run("remove connection", func(t *testing.T) {
		d := newDir(t)
		ctx := t.Context()
		require.NoError(t, d.Subscribe(ctx, sub("c1", "alice", "n1", channelA, base)))
		require.NoError(t, d.Subscribe(ctx, sub("c1", "alice", "n1", channelB, base)))
		require.NoError(t, d.Subscribe(ctx, sub("c2", "bob", "n1", channelA, base)))

		require.NoError(t, d.RemoveConnection(ctx, "c1"))
		require.NoError(t, d.RemoveConnection(ctx, "unknown"))

		conns, err := d.ListConnections(ctx, channelA)
		require.NoError(t, err)
		require.Len(t, conns, 1)
		assert.Equal(t, "c2", conns[0].ConnectionID)
		conns, err = d.ListConnections(ctx, channelB)
		require.NoError(t, err)
		assert.Empty(t, conns)
	})

	t.Run("touch updates every subscription of a connection", func(t *testing.T) {
		d := newDir(t)
		ctx := t.Context()
		require.NoError(t, d.Subscribe(ctx, sub("c1", "alice", "n1", channelA, base)))
		require.NoError(t, d.Subscribe(ctx, sub("c1", "alice", "n1", channelB, base)))
		require.NoError(t, d.Subscribe(ctx, sub("c2", "bob", "n1", channelA, base)))

		later := base.Add(5 * time.Minute)
		n, err := d.Touch(ctx, "c1", later)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		n, err = d.Touch(ctx, "unknown", later)
		require.NoError(t, err)
		assert.Zero(t, n)

		for _, e := range []fanout.Entity{channelA, channelB} {
			conns, err := d.ListConnections(ctx, e)
			require.NoError(t, err)
			for _, c := range conns {
				if c.ConnectionID == "c1" {
					assert.True(t, later.Equal(c.LastActiveAt), "c1 on %s", e)
				} else {
					assert.True(t, base.Equal(c.LastActiveAt), "%s untouched", c.ConnectionID)
				}
			}
		}
	})

	t.Run("remove node", func(t *testing.T) {
		d := newDir(t)
		ctx := t.Context()
		require.NoError(t, d.Subscribe(ctx, sub("c1", "alice", "n1", channelA, base)))
		require.NoError(t, d.Subscribe(ctx, sub("c2", "bob", "n2", channelA, base)))
		require.NoError(t, d.Subscribe(ctx, sub("c3", "carol", "n1", channelB, base)))

		n, err := d.RemoveNode(ctx, "n1")
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		conns, err := d.ListConnections(ctx, channelA)
		require.NoError(t, err)
		require.Len(t, conns, 1)
		assert.Equal(t, "n2", conns[0].NodeID)
	})

	t.Run("expire stale", func(t *testing.T) {
		d := newDir(t)
		ctx := t.Context()
		require.NoError(t, d.Subscribe(ctx, sub("old", "alice", "n1", channelA, base.Add(-time.Hour))))
		require.NoError(t, d.Subscribe(ctx, sub("edge", "bob", "n1", channelA, base)))
		require.NoError(t, d.Subscribe(ctx, sub("fresh", "carol", "n1", channelA, base.Add(time.Minute))))

		n, err := d.ExpireStale(ctx, base)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		conns, err := d.ListConnections(ctx, channelA)
		require.NoError(t, err)
		ids := make([]string, 0, len(conns))
		for _, c := range conns {
			ids = append(ids, c.ConnectionID)
		}
		assert.ElementsMatch(t, []string{"edge", "fresh"}, ids)
	})

	t.Run("heartbeat keeps rows without changing activity", func(t *testing.T) {
		d := newDir(t)
		ctx := t.Context()
		require.NoError(t, d.Subscribe(ctx, sub("quiet", "alice", "n1", channelA, base)))
		require.NoError(t, d.Subscribe(ctx, sub("quiet", "alice", "n1", channelB, base)))
		require.NoError(t, d.Subscribe(ctx, sub("orphan", "bob", "n2", channelA, base)))

		later := base.Add(2 * time.Hour)
		n, err := d.Heartbeat(ctx, "n1", later)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		n, err = d.ExpireStale(ctx, later.Add(-time.Hour))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n, "only the node that stopped heartbeating loses rows")

		conns, err := d.ListConnections(ctx, channelA)
		require.NoError(t, err)
		require.Len(t, conns, 1)
		assert.Equal(t, "quiet", conns[0].ConnectionID)
		assert.True(t, base.Equal(conns[0].LastActiveAt), "heartbeat is not activity")
	})

	t.Run("touch advances the heartbeat", func(t *testing.T) {
		d := newDir(t)
		ctx := t.Context()
		require.NoError(t, d.Subscribe(ctx, sub("c1", "alice", "n1", channelA, base)))

		_, err := d.Touch(ctx, "c1", base.Add(time.Hour))
		require.NoError(t, err)

		n, err := d.ExpireStale(ctx, base.Add(30*time.Minute))
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
