package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/cyp0633/caldora/server/auth"
	"github.com/cyp0633/caldora/server/view"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s := New(WithCost(bcrypt.MinCost))
	require.NoError(t, s.AddUser("alice", "wonderland", "mailto:Alice@Example.com"))
	require.NoError(t, s.AddUser("bob", "builder", "bob@example.com"))
	return s
}

func TestAuthenticate(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	p, err := s.Authenticate(ctx, auth.Credentials{Username: "alice", Password: "wonderland"})
	require.NoError(t, err)
	assert.Equal(t, "alice", p.ID)

	for _, creds := range []auth.Credentials{
		{Username: "alice", Password: "nope"},
		{Username: "carol", Password: "wonderland"},
	} {
		_, err := s.Authenticate(ctx, creds)
		var authErr *auth.Error
		require.True(t, errors.As(err, &authErr), "creds %+v", creds)
		assert.Equal(t, auth.ErrInvalidCredentials, authErr.Type)
	}
}

func TestAddUser(t *testing.T) {
	s := newStore(t)

	assert.Error(t, s.AddUser("alice", "again"))
	assert.Error(t, s.AddUser("carol", "pw", "mailto:bob@example.com"), "address is taken")
	assert.Error(t, s.AddUser("", "pw"))
	assert.Equal(t, []string{"alice", "bob"}, s.Users())
}

func TestLookupAddress(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	tests := []struct {
		address string
		want    string
		ok      bool
	}{
		{"mailto:alice@example.com", "alice", true},
		{"MAILTO:ALICE@example.com", "alice", true},
		{"mailto:bob@example.com", "bob", true},
		{"bob@example.com", "bob", true},
		{"mailto:mallory@example.org", "", false},
	}
	for _, tt := range tests {
		id, ok, err := s.LookupAddress(ctx, tt.address)
		require.NoError(t, err)
		assert.Equal(t, tt.ok, ok, tt.address)
		assert.Equal(t, tt.want, id, tt.address)
	}
}

func TestCapabilities(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	caps, err := s.Capabilities(ctx, "alice", "alice")
	require.NoError(t, err)
	assert.Equal(t, view.Full, caps)

	caps, err = s.Capabilities(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.False(t, caps.Read)

	require.NoError(t, s.Grant("alice", "bob", view.Capabilities{Write: true}))
	caps, err = s.Capabilities(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, view.Capabilities{Read: true, Write: true}, caps)

	require.NoError(t, s.Grant("alice", "bob", view.Capabilities{}))
	caps, err = s.Capabilities(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.False(t, caps.Read)

	assert.Error(t, s.Grant("alice", "carol", view.Capabilities{Read: true}))
}

func TestValidateAccess(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	assert.NoError(t, s.ValidateAccess(ctx, &auth.Principal{ID: "bob"}, "/caldav/alice/cal/work/"))

	err := s.ValidateAccess(ctx, &auth.Principal{ID: "ghost"}, "/caldav/")
	var authErr *auth.Error
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, auth.ErrForbidden, authErr.Type)

	err = s.ValidateAccess(ctx, nil, "/caldav/")
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, auth.ErrUnauthorized, authErr.Type)
}

func TestAddUserHash(t *testing.T) {
	s := New()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	require.NoError(t, s.AddUserHash("carol", string(hash), "carol@example.com"))
	p, err := s.Authenticate(context.Background(), auth.Credentials{Username: "carol", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "carol", p.ID)

	assert.Error(t, s.AddUserHash("dave", "plaintext"))
}
