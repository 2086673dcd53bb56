package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maildeck/maildeck/internal/model"
	"github.com/maildeck/maildeck/internal/paths"
)

func TestLoadCredentials(t *testing.T) {
	t.Setenv(EnvEmail, "me@example.com")
	t.Setenv(EnvAppPassword, "abcd efgh ijkl mnop")

	creds, err := LoadCredentials()
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", creds.Email)
	assert.Equal(t, "abcd efgh ijkl mnop", creds.AppPassword)
}

func TestLoadCredentialsMissing(t *testing.T) {
	t.Setenv(EnvEmail, "")
	t.Setenv(EnvAppPassword, "")
	_, err := LoadCredentials()
	assert.Error(t, err)

	t.Setenv(EnvEmail, "me@example.com")
	_, err = LoadCredentials()
	assert.Error(t, err, "password still missing")
}

func TestLoadCredentialsRejectsNonEmail(t *testing.T) {
	t.Setenv(EnvEmail, "not-an-address")
	t.Setenv(EnvAppPassword, "pw")
	_, err := LoadCredentials()
	assert.Error(t, err)
}

func TestCredentialsFor(t *testing.T) {
	t.Setenv(EnvEmail, "me@example.com")
	t.Setenv(EnvAppPassword, "pw")

	creds, err := CredentialsFor("Me@Example.COM")
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", creds.Email)

	_, err = CredentialsFor("other@example.com")
	assert.Error(t, err, "only the environment account has credentials")
}

func TestLoadDefaultsWhenMissing(t *testing.T) {
	res := paths.New(t.TempDir())
	cfg, err := Load(res)
	require.NoError(t, err)
	assert.True(t, cfg.ReviewBeforeSend, "review defaults to on")
	assert.Empty(t, cfg.Accounts)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	res := paths.New(t.TempDir())
	in := model.Config{ReviewBeforeSend: false, Accounts: []string{"a@b.c"}}
	require.NoError(t, Save(res, in))

	out, err := Load(res)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEnsureAccount(t *testing.T) {
	res := paths.New(t.TempDir())

	require.NoError(t, EnsureAccount(res, "one@example.com"))
	require.NoError(t, EnsureAccount(res, "One@Example.com")) // case-insensitive duplicate
	require.NoError(t, EnsureAccount(res, "two@example.com"))

	cfg, err := Load(res)
	require.NoError(t, err)
	assert.Equal(t, []string{"one@example.com", "two@example.com"}, cfg.Accounts)
}
