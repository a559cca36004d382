package profile

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultCacheTTL is how long a validation result stays fresh.
const DefaultCacheTTL = 30 * time.Second

// validationCacheSize bounds the number of cached diagnostics. Profiles
// files are small, so this is generous.
const validationCacheSize = 64

// Diagnostics is the result of validating one profile. It is always
// returned, valid or not.
type Diagnostics struct {
	Profile           string   `json:"profile,omitempty"`
	Valid             bool     `json:"valid"`
	AuthKind          AuthKind `json:"auth_kind,omitempty"`
	Errors            []string `json:"errors"`
	Suggestions       []string `json:"suggestions,omitempty"`
	AvailableProfiles []string `json:"available_profiles"`
	ConfigPath        string   `json:"config_path"`
}

// Validator checks profiles and caches the outcome per requested name.
type Validator struct {
	store *Store
	cache *expirable.LRU[string, Diagnostics]
}

// NewValidator creates a validator over the store. A non-positive TTL
// falls back to DefaultCacheTTL.
func NewValidator(store *Store, ttl time.Duration) *Validator {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	return &Validator{
		store: store,
		cache: expirable.NewLRU[string, Diagnostics](validationCacheSize, nil, ttl),
	}
}

// Validate checks the named profile (empty selects the default) and
// returns a diagnostic record. It never returns an error: every failure
// mode becomes an entry in Errors with a matching suggestion.
func (v *Validator) Validate(name string) Diagnostics {
	if cached, ok := v.cache.Get(name); ok {
		return cached
	}

	diags := v.validate(name)
	v.cache.Add(name, diags)

	return diags
}

// Invalidate drops all cached results so the next Validate re-reads the
// profiles file.
func (v *Validator) Invalidate() {
	v.cache.Purge()
}

func (v *Validator) validate(name string) Diagnostics {
	diags := Diagnostics{
		Profile:           name,
		Errors:            []string{},
		AvailableProfiles: v.store.Names(),
		ConfigPath:        v.store.Path(),
	}

	p, err := v.store.Get(name)
	if err != nil {
		v.describeLoadFailure(&diags, err)

		return diags
	}

	diags.Profile = p.Name

	kind, err := p.EffectiveAuthKind()
	if err != nil {
		diags.Errors = append(diags.Errors, err.Error())
		diags.Suggestions = append(diags.Suggestions,
			`set authenticator to one of "keypair", "oauth", "password" or "sso"`)
	} else {
		diags.AuthKind = kind
	}

	v.checkIdentity(&diags, p)

	switch kind {
	case AuthKeypair:
		v.checkPrivateKey(&diags, p)
	case AuthOAuth:
		v.checkToken(&diags, p)
	case AuthPassword:
		v.checkPassword(&diags, p)
	case AuthSSO:
		// Browser-based SSO needs nothing beyond account and user.
	}

	diags.Valid = len(diags.Errors) == 0

	return diags
}

func (v *Validator) describeLoadFailure(diags *Diagnostics, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		diags.Errors = append(diags.Errors, err.Error())

		if len(diags.AvailableProfiles) > 0 {
			diags.Suggestions = append(diags.Suggestions,
				"available profiles: "+strings.Join(diags.AvailableProfiles, ", "))
		} else {
			diags.Suggestions = append(diags.Suggestions,
				fmt.Sprintf("define the profile under profiles: in %s", diags.ConfigPath))
		}
	case errors.Is(err, ErrNoDefault):
		diags.Errors = append(diags.Errors, err.Error())
		diags.Suggestions = append(diags.Suggestions,
			"set SNOWFLAKE_PROFILE or add default_profile to "+diags.ConfigPath)
	case errors.Is(err, os.ErrNotExist):
		diags.Errors = append(diags.Errors,
			fmt.Sprintf("profiles file not found at %s", diags.ConfigPath))
		diags.Suggestions = append(diags.Suggestions,
			"create the file with a profiles: map and a default_profile entry")
	default:
		diags.Errors = append(diags.Errors, err.Error())
	}
}

func (v *Validator) checkIdentity(diags *Diagnostics, p Profile) {
	if p.Account == "" {
		diags.Errors = append(diags.Errors, "account is not set")
		diags.Suggestions = append(diags.Suggestions,
			`set account to your account identifier, e.g. "myorg-myaccount" or "xy12345.eu-central-1"`)
	} else if strings.Contains(p.Account, "://") || strings.Contains(p.Account, "snowflakecomputing.com") {
		diags.Errors = append(diags.Errors,
			fmt.Sprintf("account %q looks like a URL; use the bare account identifier", p.Account))
		diags.Suggestions = append(diags.Suggestions,
			`strip the protocol and domain, e.g. "myorg-myaccount" instead of "https://myorg-myaccount.snowflakecomputing.com"`)
	}

	if p.User == "" {
		diags.Errors = append(diags.Errors, "user is not set")
	}
}

func (v *Validator) checkPrivateKey(diags *Diagnostics, p Profile) {
	if p.PrivateKeyPath == "" {
		diags.Errors = append(diags.Errors, "private_key_path is not set for keypair authentication")

		return
	}

	path := ExpandPath(p.PrivateKeyPath)

	info, err := os.Stat(path)
	if err != nil {
		diags.Errors = append(diags.Errors,
			fmt.Sprintf("private key file %s is not readable: %v", p.PrivateKeyPath, err))
		diags.Suggestions = append(diags.Suggestions,
			fmt.Sprintf("check the path and permissions (chmod 600 %s)", p.PrivateKeyPath))

		return
	}

	if info.Mode().Perm()&0o077 != 0 {
		diags.Errors = append(diags.Errors,
			fmt.Sprintf("private key file %s is readable by other users", p.PrivateKeyPath))
		diags.Suggestions = append(diags.Suggestions,
			fmt.Sprintf("chmod 600 %s", p.PrivateKeyPath))
	}

	if _, err := p.LoadPrivateKey(); err != nil {
		diags.Errors = append(diags.Errors, err.Error())

		if errors.Is(err, ErrKeyEncrypted) {
			diags.Suggestions = append(diags.Suggestions,
				"export "+EnvPrivateKeyPassphrase+" with the key's passphrase")
		}
	}
}

func (v *Validator) checkToken(diags *Diagnostics, p Profile) {
	if _, err := p.EffectiveToken(); err != nil {
		diags.Errors = append(diags.Errors, err.Error())
		diags.Suggestions = append(diags.Suggestions,
			"set token inline or point token_path at a file holding the OAuth token")
	}
}

func (v *Validator) checkPassword(diags *Diagnostics, p Profile) {
	if p.EffectivePassword() == "" {
		diags.Errors = append(diags.Errors, "password is not set")
		diags.Suggestions = append(diags.Suggestions,
			"set password in the profile or export "+EnvPassword)
	}
}
