// Package profile loads named credential bundles from the profiles file
// and validates them for use against Snowflake.
//
// A profile names an account, a user and an authentication kind, plus the
// optional session defaults (warehouse, database, schema, role). The
// validator never returns an error: callers always get a diagnostic record
// listing what is wrong and how to fix it.
package profile

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/youmark/pkcs8"
	"gopkg.in/yaml.v3"
)

// AuthKind selects how a profile authenticates.
type AuthKind string

// Supported authentication kinds.
const (
	AuthKeypair  AuthKind = "keypair"
	AuthOAuth    AuthKind = "oauth"
	AuthPassword AuthKind = "password"
	AuthSSO      AuthKind = "sso"
)

// Environment fallbacks consulted when the profile omits a secret.
const (
	EnvPrivateKeyPassphrase = "SNOWFLAKE_PRIVATE_KEY_PASSPHRASE"
	EnvPassword             = "SNOWFLAKE_PASSWORD"
)

// PEM block types accepted for key pair authentication.
const (
	pemTypePKCS8          = "PRIVATE KEY"
	pemTypeEncryptedPKCS8 = "ENCRYPTED PRIVATE KEY"
	pemTypePKCS1          = "RSA PRIVATE KEY"
)

// Profile validation errors.
var (
	// ErrNotFound means the requested profile is not defined.
	ErrNotFound = errors.New("profile not found")

	// ErrNoDefault means no profile was named and the file defines no
	// default.
	ErrNoDefault = errors.New("no default profile configured")

	// ErrKeyNotRSA means the private key parsed but is not an RSA key.
	ErrKeyNotRSA = errors.New("private key is not an RSA key")

	// ErrKeyEncrypted means the key needs a passphrase that was not
	// provided.
	ErrKeyEncrypted = errors.New("private key is encrypted and no passphrase is set")
)

// Profile is one named credential bundle.
type Profile struct {
	Name           string   `yaml:"-"`
	Account        string   `yaml:"account"`
	User           string   `yaml:"user"`
	Authenticator  AuthKind `yaml:"authenticator"`
	PrivateKeyPath string   `yaml:"private_key_path"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TokenPath      string   `yaml:"token_path"`
	Warehouse      string   `yaml:"warehouse"`
	Database       string   `yaml:"database"`
	Schema         string   `yaml:"schema"`
	Role           string   `yaml:"role"`
}

// file is the on-disk shape of the profiles file.
type file struct {
	DefaultProfile string             `yaml:"default_profile"`
	Profiles       map[string]Profile `yaml:"profiles"`
}

// Store reads profiles from a YAML file. The file is re-read on every load
// so edits are picked up when the validator's cache expires.
type Store struct {
	path string
}

// NewStore creates a store reading from path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path reports the profiles file location.
func (s *Store) Path() string {
	return s.path
}

// Names lists the defined profile names in sorted order. A missing or
// malformed file yields an empty list.
func (s *Store) Names() []string {
	f, err := s.load()
	if err != nil {
		return nil
	}

	names := make([]string, 0, len(f.Profiles))
	for name := range f.Profiles {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Get resolves a profile by name. An empty name selects the file's default
// profile.
func (s *Store) Get(name string) (Profile, error) {
	f, err := s.load()
	if err != nil {
		return Profile{}, err
	}

	if name == "" {
		name = f.DefaultProfile
		if name == "" {
			return Profile{}, ErrNoDefault
		}
	}

	p, ok := f.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	p.Name = name

	return p, nil
}

func (s *Store) load() (*file, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read profiles file %s: %w", s.path, err)
	}

	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse profiles file %s: %w", s.path, err)
	}

	return &f, nil
}

// EffectiveAuthKind resolves the profile's authentication kind, inferring
// it from the populated fields when the authenticator is left unset.
func (p Profile) EffectiveAuthKind() (AuthKind, error) {
	switch p.Authenticator {
	case AuthKeypair, AuthOAuth, AuthPassword, AuthSSO:
		return p.Authenticator, nil
	case "":
	default:
		return "", fmt.Errorf("unknown authenticator %q", p.Authenticator)
	}

	switch {
	case p.PrivateKeyPath != "":
		return AuthKeypair, nil
	case p.Token != "" || p.TokenPath != "":
		return AuthOAuth, nil
	case p.Password != "" || os.Getenv(EnvPassword) != "":
		return AuthPassword, nil
	}

	return "", errors.New("authenticator is not set and cannot be inferred")
}

// EffectivePassword returns the profile password, falling back to the
// SNOWFLAKE_PASSWORD environment variable.
func (p Profile) EffectivePassword() string {
	if p.Password != "" {
		return p.Password
	}

	return os.Getenv(EnvPassword)
}

// EffectiveToken returns the OAuth token, reading token_path when the
// inline token is empty.
func (p Profile) EffectiveToken() (string, error) {
	if p.Token != "" {
		return p.Token, nil
	}

	if p.TokenPath == "" {
		return "", errors.New("profile has neither token nor token_path")
	}

	raw, err := os.ReadFile(ExpandPath(p.TokenPath))
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}

	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", p.TokenPath)
	}

	return token, nil
}

// LoadPrivateKey reads and parses the profile's private key. Encrypted
// PKCS#8 keys are decrypted with the passphrase from
// SNOWFLAKE_PRIVATE_KEY_PASSPHRASE.
func (p Profile) LoadPrivateKey() (*rsa.PrivateKey, error) {
	if p.PrivateKeyPath == "" {
		return nil, errors.New("profile has no private_key_path")
	}

	path := ExpandPath(p.PrivateKeyPath)

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("private key file %s contains no PEM block", path)
	}

	switch block.Type {
	case pemTypePKCS8:
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}

		return asRSA(key)
	case pemTypeEncryptedPKCS8:
		passphrase := os.Getenv(EnvPrivateKeyPassphrase)
		if passphrase == "" {
			return nil, ErrKeyEncrypted
		}

		key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("decrypt private key: %w", err)
		}

		return asRSA(key)
	case pemTypePKCS1:
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}

		return key, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}

func asRSA(key any) (*rsa.PrivateKey, error) {
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrKeyNotRSA
	}

	return rsaKey, nil
}

// ExpandPath resolves a leading ~/ against the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}

		if path == "~" {
			return home
		}

		return filepath.Join(home, path[2:])
	}

	return path
}
