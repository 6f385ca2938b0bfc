package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueVerify(t *testing.T) {
	secret := []byte("s3cret")
	id := Identity{ID: "alice", DisplayName: "Alice", AvatarURL: "https://example.com/a.png"}

	tok, err := Issue(secret, id, time.Hour)
	require.NoError(t, err)

	got, err := Verify(secret, tok)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = Verify([]byte("other"), tok)
	assert.ErrorIs(t, err, ErrUnauthorized)

	inspected, err := Inspect(tok)
	require.NoError(t, err)
	assert.Equal(t, id, inspected)
}

func TestVerifyExpired(t *testing.T) {
	secret := []byte("s3cret")
	tok, err := Issue(secret, Identity{ID: "bob"}, time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)
	_, err = Verify(secret, tok)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestIssueRejectsBadInput(t *testing.T) {
	_, err := Issue([]byte("x"), Identity{}, 0)
	assert.Error(t, err)
	_, err = Issue(nil, Identity{ID: "a"}, 0)
	assert.Error(t, err)
}

func TestInspectGarbage(t *testing.T) {
	_, err := Inspect("not-a-token")
	assert.Error(t, err)
}
