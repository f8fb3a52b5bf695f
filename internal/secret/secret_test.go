package secret

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	keyring "github.com/zalando/go-keyring"
)

func TestKeyringRoundTrip(t *testing.T) {
	keyring.MockInit()
	k := New("/home/u/.tabterm/profiles.db")

	_, err := k.Get()
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, k.Set("correct horse"))
	pw, err := k.Get()
	require.NoError(t, err)
	assert.Equal(t, "correct horse", pw)

	other := New("/tmp/other.db")
	_, err = other.Get()
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, k.Delete())
	_, err = k.Get()
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, k.Delete())
}

func TestKeyringFailure(t *testing.T) {
	keyring.MockInitWithError(errors.New("no secret service"))
	t.Cleanup(keyring.MockInit)

	k := New("/tmp/p.db")
	_, err := k.Get()
	assert.ErrorContains(t, err, "no secret service")
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Error(t, k.Set("x"))
	assert.Error(t, k.Delete())
}
