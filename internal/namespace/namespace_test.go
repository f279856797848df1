package namespace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateReturnsTokenOnceAndAuthenticates(t *testing.T) {
	r := New()
	ns, token, err := r.Create("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", ns.Name)
	assert.NotEmpty(t, token)

	got, err := r.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, ns, got)
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	r := New()
	_, _, err := r.Create("alpha")
	require.NoError(t, err)

	_, _, err = r.Create("alpha")
	assert.ErrorIs(t, err, ErrExists)
}

func TestAuthenticateRejectsUnknownToken(t *testing.T) {
	r := New()
	_, _, err := r.Create("alpha")
	require.NoError(t, err)

	_, err = r.Authenticate("not-a-real-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRotateInvalidatesPriorToken(t *testing.T) {
	r := New()
	_, oldToken, err := r.Create("alpha")
	require.NoError(t, err)

	newToken, err := r.Rotate("alpha")
	require.NoError(t, err)
	assert.NotEqual(t, oldToken, newToken)

	_, err = r.Authenticate(oldToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = r.Authenticate(newToken)
	assert.NoError(t, err)
}

func TestRotateUnknownNamespaceFails(t *testing.T) {
	r := New()
	_, err := r.Rotate("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateRejectsNamesOutsidePattern(t *testing.T) {
	cases := []string{
		"",
		"ab",                                  // too short
		"this-name-is-way-too-long-for-limit", // too long
		"Alpha",                               // uppercase
		"al/pha",                              // contains '/'
		"al pha",                               // contains space
	}
	for _, name := range cases {
		r := New()
		_, _, err := r.Create(name)
		assert.ErrorIs(t, err, ErrInvalidName, "name %q", name)
	}
}

func TestCreateAcceptsBoundaryLengthNames(t *testing.T) {
	short := "abc"                               // 3 chars
	long := "abcdefghijklmnopqrstuvwxyz012345"    // 32 chars
	require.Len(t, short, 3)
	require.Len(t, long, 32)

	r := New()
	_, _, err := r.Create(short)
	require.NoError(t, err)

	_, _, err = r.Create(long)
	require.NoError(t, err)
}

func TestAuthorizesEntityRequiresNamespacePrefix(t *testing.T) {
	ns := Namespace{Name: "alpha"}
	assert.True(t, AuthorizesEntity(ns, "alpha/widget-1"))
	assert.False(t, AuthorizesEntity(ns, "beta/widget-1"))
	assert.False(t, AuthorizesEntity(ns, "widget-1"))
}
