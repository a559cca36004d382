package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// suggestionContaining reports whether any suggestion mentions sub.
func suggestionContaining(diags Diagnostics, sub string) bool {
	for _, s := range diags.Suggestions {
		if strings.Contains(s, sub) {
			return true
		}
	}

	return false
}

func TestValidator_Validate_KeypairProfile(t *testing.T) {
	dir := t.TempDir()
	keyPath := writeKeyFile(t, dir, "")
	store := writeProfilesFile(t, dir, fmt.Sprintf(`
default_profile: prod
profiles:
  prod:
    account: myorg-prod
    user: SVC_REPORTS
    authenticator: keypair
    private_key_path: %s
`, keyPath))

	v := NewValidator(store, time.Minute)

	diags := v.Validate("prod")

	assert.True(t, diags.Valid)
	assert.Equal(t, "prod", diags.Profile)
	assert.Equal(t, AuthKeypair, diags.AuthKind)
	assert.Empty(t, diags.Errors)
	assert.Equal(t, []string{"prod"}, diags.AvailableProfiles)
	assert.Equal(t, store.Path(), diags.ConfigPath)
}

func TestValidator_Validate_MissingProfileListsAvailable(t *testing.T) {
	store := writeProfilesFile(t, t.TempDir(), `
profiles:
  dev: {account: myorg-dev, user: ANALYST, password: x}
  prod: {account: myorg-prod, user: SVC, password: x}
`)

	v := NewValidator(store, time.Minute)

	diags := v.Validate("staging")

	assert.False(t, diags.Valid)
	require.NotEmpty(t, diags.Errors)
	assert.Contains(t, diags.Errors[0], "staging")
	assert.Equal(t, []string{"dev", "prod"}, diags.AvailableProfiles)
	require.NotEmpty(t, diags.Suggestions)
	assert.Contains(t, diags.Suggestions[0], "dev, prod")
}

func TestValidator_Validate_MissingFileNeverPanics(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "absent.yaml"))
	v := NewValidator(store, time.Minute)

	diags := v.Validate("")

	assert.False(t, diags.Valid)
	require.NotEmpty(t, diags.Errors)
	assert.Contains(t, diags.Errors[0], "not found")
	assert.Empty(t, diags.AvailableProfiles)
}

func TestValidator_Validate_MalformedYAML(t *testing.T) {
	store := writeProfilesFile(t, t.TempDir(), "profiles: [not, a, map")
	v := NewValidator(store, time.Minute)

	diags := v.Validate("dev")

	assert.False(t, diags.Valid)
	assert.NotEmpty(t, diags.Errors)
}

func TestValidator_Validate_MissingAccountSuggestsIdentifier(t *testing.T) {
	store := writeProfilesFile(t, t.TempDir(), `
profiles:
  dev: {user: ANALYST, password: x}
`)

	v := NewValidator(store, time.Minute)

	diags := v.Validate("dev")

	assert.False(t, diags.Valid)
	assert.Contains(t, diags.Errors, "account is not set")
	assert.True(t, suggestionContaining(diags, "account identifier"),
		"expected a suggestion describing the account identifier shape")
}

func TestValidator_Validate_AccountURLRejected(t *testing.T) {
	store := writeProfilesFile(t, t.TempDir(), `
profiles:
  dev:
    account: https://myorg-dev.snowflakecomputing.com
    user: ANALYST
    password: x
`)

	v := NewValidator(store, time.Minute)

	diags := v.Validate("dev")

	assert.False(t, diags.Valid)
	require.NotEmpty(t, diags.Errors)
	assert.Contains(t, diags.Errors[0], "bare account identifier")
}

func TestValidator_Validate_WorldReadableKey(t *testing.T) {
	dir := t.TempDir()
	keyPath := writeKeyFile(t, dir, "")
	require.NoError(t, os.Chmod(keyPath, 0o644))

	store := writeProfilesFile(t, dir, fmt.Sprintf(`
profiles:
  prod:
    account: myorg-prod
    user: SVC
    authenticator: keypair
    private_key_path: %s
`, keyPath))

	v := NewValidator(store, time.Minute)

	diags := v.Validate("prod")

	assert.False(t, diags.Valid)
	require.NotEmpty(t, diags.Errors)
	assert.Contains(t, diags.Errors[0], "readable by other users")
	assert.Contains(t, diags.Suggestions[0], "chmod 600")
}

func TestValidator_Validate_EncryptedKeyNeedsPassphrase(t *testing.T) {
	dir := t.TempDir()
	keyPath := writeKeyFile(t, dir, "secret")
	t.Setenv(EnvPrivateKeyPassphrase, "")

	store := writeProfilesFile(t, dir, fmt.Sprintf(`
profiles:
  prod:
    account: myorg-prod
    user: SVC
    authenticator: keypair
    private_key_path: %s
`, keyPath))

	v := NewValidator(store, time.Minute)

	diags := v.Validate("prod")

	assert.False(t, diags.Valid)
	assert.True(t, suggestionContaining(diags, EnvPrivateKeyPassphrase),
		"expected a suggestion naming the passphrase variable")
}

func TestValidator_Validate_PasswordFromEnvironment(t *testing.T) {
	t.Setenv(EnvPassword, "hunter2")

	store := writeProfilesFile(t, t.TempDir(), `
profiles:
  dev: {account: myorg-dev, user: ANALYST, authenticator: password}
`)

	v := NewValidator(store, time.Minute)

	diags := v.Validate("dev")

	assert.True(t, diags.Valid)
}

func TestValidator_Validate_CachesWithinTTL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	valid := []byte(`
profiles:
  dev: {account: myorg-dev, user: ANALYST, password: x}
`)
	require.NoError(t, os.WriteFile(path, valid, 0o600))

	v := NewValidator(NewStore(path), time.Minute)

	first := v.Validate("dev")
	require.True(t, first.Valid)

	// Break the file on disk: the cached result must still be served.
	require.NoError(t, os.WriteFile(path, []byte("profiles: {}"), 0o600))

	cached := v.Validate("dev")
	assert.True(t, cached.Valid)

	// Dropping the cache forces a re-read that sees the broken file.
	v.Invalidate()

	fresh := v.Validate("dev")
	assert.False(t, fresh.Valid)
}

func TestValidator_Validate_CacheExpires(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
profiles:
  dev: {account: myorg-dev, user: ANALYST, password: x}
`), 0o600))

	ttl := 30 * time.Millisecond
	v := NewValidator(NewStore(path), ttl)

	require.True(t, v.Validate("dev").Valid)

	require.NoError(t, os.WriteFile(path, []byte("profiles: {}"), 0o600))
	time.Sleep(ttl + 20*time.Millisecond)

	assert.False(t, v.Validate("dev").Valid)
}
