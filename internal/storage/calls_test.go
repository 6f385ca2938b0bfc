package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/callkit/internal/call"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordAndListCalls(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	answered := call.Info{
		ID:          "c1",
		Type:        call.Video,
		Direction:   call.Outbound,
		Peer:        call.PeerUser{ID: "bob", DisplayName: "Bob"},
		State:       call.StateEnded,
		Reason:      call.ReasonHangup,
		StartedAt:   base,
		ConnectedAt: base.Add(2 * time.Second),
		EndedAt:     base.Add(62 * time.Second),
	}
	missed := call.Info{
		ID:        "c2",
		Type:      call.Voice,
		Direction: call.Inbound,
		Peer:      call.PeerUser{ID: "bob"},
		State:     call.StateEnded,
		Reason:    call.ReasonTimeout,
		StartedAt: base.Add(time.Hour),
		EndedAt:   base.Add(time.Hour + 45*time.Second),
	}
	require.NoError(t, db.RecordCall(ctx, answered))
	require.NoError(t, db.RecordCall(ctx, missed))

	calls, err := db.ListCalls(ctx, 0)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, "c2", calls[0].CallID)
	assert.True(t, calls[0].Missed())
	assert.Zero(t, calls[0].Duration())

	assert.Equal(t, "c1", calls[1].CallID)
	assert.Equal(t, time.Minute, calls[1].Duration())
	assert.Equal(t, call.Video, calls[1].Type)
	assert.Equal(t, call.StateEnded, calls[1].State)
	assert.True(t, calls[1].StartedAt.Equal(base))

	n, err := db.CountMissed(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, ok := db.GetContact(ctx, "bob")
	require.True(t, ok)
	assert.Equal(t, "Bob", c.DisplayName, "blank name must not overwrite")
	assert.Equal(t, 2, c.Calls)
	assert.True(t, c.LastCallAt.Equal(base.Add(time.Hour)))
}

func TestRecordRejectedCall(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	info := call.Info{
		ID:        "c3",
		Type:      call.Voice,
		Direction: call.Inbound,
		Peer:      call.PeerUser{ID: "carol"},
		State:     call.StateRejected,
		Reason:    call.ReasonDeclined,
		StartedAt: time.Now(),
		EndedAt:   time.Now(),
	}
	require.NoError(t, db.RecordCall(ctx, info))

	got, ok, err := db.GetCall(ctx, "c3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, call.StateRejected, got.State)
	assert.Equal(t, call.ReasonDeclined, got.Reason)
	assert.False(t, got.Missed())

	_, ok, err = db.GetCall(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPruneAndContacts(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, db.RecordCall(ctx, call.Info{
		ID: "old", Type: call.Voice, Direction: call.Outbound,
		Peer: call.PeerUser{ID: "dave"}, State: call.StateEnded, StartedAt: old, EndedAt: old,
	}))
	require.NoError(t, db.RecordCall(ctx, call.Info{
		ID: "new", Type: call.Voice, Direction: call.Outbound,
		Peer: call.PeerUser{ID: "erin", DisplayName: "Erin"}, State: call.StateEnded, StartedAt: time.Now(), EndedAt: time.Now(),
	}))

	n, err := db.PruneCalls(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	contacts, err := db.ListContacts(ctx)
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	assert.Equal(t, "erin", contacts[0].PeerID)

	require.NoError(t, db.DeleteContact(ctx, "dave"))
	_, ok := db.GetContact(ctx, "dave")
	assert.False(t, ok)
}
