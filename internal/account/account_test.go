package account

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Tyrowin/privchat/internal/store"
	"github.com/Tyrowin/privchat/internal/token"
)

func newService(t *testing.T) (*Service, *store.SQLStore, *token.Service) {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), fmt.Sprintf("file:account-%s?mode=memory&cache=shared", uuid.NewString()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	tokens, err := token.New([]byte("account-test-secret"), time.Hour)
	require.NoError(t, err)

	return NewService(st, tokens, WithBcryptCost(bcrypt.MinCost)), st, tokens
}

func TestNormalizeUsername(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "Alice", want: "alice"},
		{in: "  BobBy  ", want: "bobby"},
		{in: "abcd", wantErr: true},
		{in: "abcde", want: "abcde"},
		{in: strings.Repeat("x", 32), want: strings.Repeat("x", 32)},
		{in: strings.Repeat("x", 33), wantErr: true},
		{in: "     ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeUsername(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidUsername)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegister(t *testing.T) {
	svc, st, tokens := newService(t)
	ctx := context.Background()

	user, tok, err := svc.Register(ctx, Registration{Username: " Alice ", Password: "secret", FirstName: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.NotEqual(t, "secret", user.PasswordHash)

	sub, err := tokens.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", sub)

	stored, err := st.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", stored.FirstName)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("secret")))
}

func TestRegister_Rejects(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, Registration{Username: "bob", Password: "secret"})
	assert.ErrorIs(t, err, ErrInvalidUsername)

	_, _, err = svc.Register(ctx, Registration{Username: "bobby", Password: ""})
	assert.ErrorIs(t, err, ErrInvalidPassword)

	_, _, err = svc.Register(ctx, Registration{Username: "bobby", Password: strings.Repeat("p", 73)})
	assert.ErrorIs(t, err, ErrInvalidPassword)

	_, _, err = svc.Register(ctx, Registration{Username: "bobby", Password: "one"})
	require.NoError(t, err)
	_, _, err = svc.Register(ctx, Registration{Username: "BOBBY", Password: "two"})
	assert.ErrorIs(t, err, store.ErrUsernameTaken)
}

func TestLogin(t *testing.T) {
	svc, _, tokens := newService(t)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, Registration{Username: "caroline", Password: "hunter2"})
	require.NoError(t, err)

	tok, err := svc.Login(ctx, "Caroline", "hunter2")
	require.NoError(t, err)
	sub, err := tokens.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "caroline", sub)

	_, err = svc.Login(ctx, "caroline", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Login(ctx, "nobody-here", "hunter2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Login(ctx, "", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestUsernameAvailable(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, Registration{Username: "daniel", Password: "pw"})
	require.NoError(t, err)

	for name, want := range map[string]bool{
		"daniel":  false,
		"DANIEL":  false,
		"dan":     false,
		"daniela": true,
	} {
		got, err := svc.UsernameAvailable(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}
}

func TestProfileAndUpdate(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	user, _, err := svc.Register(ctx, Registration{Username: "eveline", Password: "pw", FirstName: "Eve", LastName: "Smith"})
	require.NoError(t, err)

	bio := "  likes cryptography "
	updated, err := svc.UpdateProfile(ctx, user, ProfileUpdate{Bio: &bio})
	require.NoError(t, err)
	assert.Equal(t, "likes cryptography", updated.Bio)
	assert.Equal(t, "Eve", updated.FirstName, "nil fields stay untouched")
	assert.Equal(t, "Smith", updated.LastName)

	got, err := svc.Profile(ctx, "EVELINE")
	require.NoError(t, err)
	assert.Equal(t, "likes cryptography", got.Bio)

	_, err = svc.Profile(ctx, "ghost-user")
	assert.ErrorIs(t, err, store.ErrUserNotFound)
}
