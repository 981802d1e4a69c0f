package backend_test

import (
	"testing"
	"time"

	"github.com/portalwerk/portal-core/backend"
	"github.com/stretchr/testify/require"
)

func TestFilterMatches(t *testing.T) {
	var nilFilter *backend.Filter
	require.True(t, nilFilter.Matches(backend.Row{"user_id": "u1"}))

	f := &backend.Filter{Column: "user_id", Value: "u1"}
	require.True(t, f.Matches(backend.Row{"user_id": "u1", "title": "x"}))
	require.False(t, f.Matches(backend.Row{"user_id": "u2"}))
	require.False(t, f.Matches(backend.Row{"title": "x"}))
	require.False(t, f.Matches(backend.Row{"user_id": 42}))
}

func TestSessionExpired(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	s := &backend.Session{ExpiresAt: now.Add(time.Minute)}
	require.False(t, s.Expired(now))

	s = &backend.Session{ExpiresAt: now.Add(-time.Minute)}
	require.True(t, s.Expired(now))

	// Zero expiry means the token does not expire client-side.
	s = &backend.Session{}
	require.False(t, s.Expired(now))
}
