package principal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapStore struct {
	mu   sync.Mutex
	byID map[string]*Principal
}

func newMapStore() *mapStore {
	return &mapStore{byID: make(map[string]*Principal)}
}

func (s *mapStore) CreatePrincipal(_ context.Context, p *Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.byID {
		if existing.Email == p.Email {
			return ErrEmailTaken
		}
	}
	cp := *p
	s.byID[p.ID] = &cp
	return nil
}

func (s *mapStore) PrincipalByID(_ context.Context, id string) (*Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *mapStore) PrincipalByEmail(_ context.Context, email string) (*Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.byID {
		if p.Email == email {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("s3cret-password")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "argon2id$"))

	ok, err := CheckPassword(hash, "s3cret-password")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CheckPassword(hash, "wrong-password")
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := HashPassword("s3cret-password")
	require.NoError(t, err)
	assert.NotEqual(t, hash, other, "salts must differ")
}

func TestHashPasswordEncoding(t *testing.T) {
	hash, err := HashPassword("s3cret-password")
	require.NoError(t, err)
	parts := strings.Split(hash, "$")
	require.Len(t, parts, 6)
	assert.Equal(t, []string{"argon2id", "1", "65536", "4"}, parts[:4])
	assert.Len(t, parts[4], 2*passwordSaltLen)
	assert.Len(t, parts[5], 2*passwordKeyLen)

	// Verifiers keep the cost they were written with.
	cheap := hashParams{time: 2, memoryKiB: 8 * 1024, parallelism: 1}
	salt := []byte("0123456789abcdef")
	key := cheap.derive("s3cret-password", salt)
	encoded := fmt.Sprintf("argon2id$2$8192$1$%x$%x", salt, key)
	ok, err := CheckPassword(encoded, "s3cret-password")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckPasswordMalformed(t *testing.T) {
	short := "argon2id$1$65536$4$" + strings.Repeat("00", passwordSaltLen) + "$" + strings.Repeat("00", 16)
	for _, bad := range []string{"", "bcrypt$x", "argon2id$1$2$3$zz$00", "argon2id$x$2$3$00$00", "argon2id$0$2$3$00$00", short} {
		_, err := CheckPassword(bad, "pw")
		assert.ErrorIs(t, err, errMalformedHash, "input %q", bad)
	}
}

func TestNew(t *testing.T) {
	p, err := New("  Alice@Example.COM ", "long-enough")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", p.Email)
	assert.NotEmpty(t, p.ID)
	assert.False(t, p.TOTPEnabled)

	_, err = New("not-an-email", "long-enough")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = New("bob@example.com", "short")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	store := newMapStore()
	p, err := New("carol@example.com", "correct-horse")
	require.NoError(t, err)
	require.NoError(t, store.CreatePrincipal(ctx, p))

	got, err := Authenticate(ctx, store, "CAROL@example.com", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = Authenticate(ctx, store, "carol@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = Authenticate(ctx, store, "nobody@example.com", "correct-horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}
