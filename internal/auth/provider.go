// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	log "github.com/sirupsen/logrus"

	"github.com/jeranaias/mitar/internal/util"
)

var (
	// ErrSignedOut is returned by Current when nobody is signed in.
	ErrSignedOut = errors.New("not signed in")

	// ErrInvalidName rejects empty or overlong display names.
	ErrInvalidName = errors.New("invalid name")

	// ErrCodeRequired is returned when the account has a TOTP secret and no
	// code was given.
	ErrCodeRequired = errors.New("verification code required")

	// ErrInvalidCode is returned for a wrong TOTP code.
	ErrInvalidCode = errors.New("invalid verification code")
)

// MaxNameLength is the longest accepted display name, in runes.
const MaxNameLength = 64

// TOTPIssuer labels enrolled secrets in authenticator apps.
const TOTPIssuer = "mitar"

// userNamespace scopes name-derived user ids.
var userNamespace = uuid.MustParse("6f1c2b8e-4d0a-5e7f-9b3c-2a1d0e9f8c7b")

// Identity is the signed-in user.
type Identity struct {
	UserID     string    `toml:"user_id"`
	Name       string    `toml:"name"`
	SignedInAt time.Time `toml:"signed_in_at"`
}

// Provider resolves the current identity.
type Provider interface {
	Current() (Identity, error)
	SignIn(name, code string) (Identity, error)
	SignOut() error
}

// UserIDFor derives the stable user id of a display name. Names are
// compared case-insensitively.
func UserIDFor(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	return uuid.NewSHA1(userNamespace, []byte(key)).String()
}

// =============================================================================
// LOCAL PROVIDER
// =============================================================================

type account struct {
	UserID     string `toml:"user_id"`
	Name       string `toml:"name"`
	TOTPSecret string `toml:"totp_secret,omitempty"`
}

type identityFile struct {
	Current  *Identity `toml:"current,omitempty"`
	Accounts []account `toml:"accounts,omitempty"`
}

// LocalProvider keeps identities in a TOML file.
type LocalProvider struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewLocalProvider creates a provider backed by path. The file is created
// on first sign-in.
func NewLocalProvider(path string) *LocalProvider {
	return &LocalProvider{path: path, now: time.Now}
}

// Path returns the identity file path.
func (p *LocalProvider) Path() string {
	return p.path
}

// Current returns the signed-in identity or ErrSignedOut.
func (p *LocalProvider) Current() (Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := p.load()
	if err != nil {
		return Identity{}, err
	}
	if f.Current == nil || f.Current.UserID == "" {
		return Identity{}, ErrSignedOut
	}
	return *f.Current, nil
}

// SignIn makes name the current identity. code is checked when the
// account has enrolled a TOTP secret and ignored otherwise.
func (p *LocalProvider) SignIn(name, code string) (Identity, error) {
	name = strings.TrimSpace(name)
	if name == "" || util.RuneLen(name) > MaxNameLength {
		return Identity{}, ErrInvalidName
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := p.load()
	if err != nil {
		return Identity{}, err
	}

	id := UserIDFor(name)
	acct := f.account(id)
	if acct != nil && acct.TOTPSecret != "" {
		code = strings.TrimSpace(code)
		if code == "" {
			return Identity{}, ErrCodeRequired
		}
		if !totp.Validate(code, acct.TOTPSecret) {
			log.WithField("user", id).Warn("sign-in rejected: invalid verification code")
			return Identity{}, ErrInvalidCode
		}
	}
	if acct == nil {
		f.Accounts = append(f.Accounts, account{UserID: id, Name: name})
	}

	ident := Identity{UserID: id, Name: name, SignedInAt: p.now().UTC()}
	f.Current = &ident
	if err := p.save(f); err != nil {
		return Identity{}, err
	}
	log.WithField("user", id).Info("signed in")
	return ident, nil
}

// SignOut forgets the current identity. Enrolled accounts are kept.
func (p *LocalProvider) SignOut() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := p.load()
	if err != nil {
		return err
	}
	if f.Current == nil {
		return nil
	}
	f.Current = nil
	return p.save(f)
}

// EnrollTOTP generates a TOTP secret for the signed-in account and returns
// the otpauth:// URL to add to an authenticator app.
func (p *LocalProvider) EnrollTOTP() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := p.load()
	if err != nil {
		return "", err
	}
	if f.Current == nil {
		return "", ErrSignedOut
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      TOTPIssuer,
		AccountName: f.Current.Name,
	})
	if err != nil {
		return "", fmt.Errorf("generate totp secret: %w", err)
	}

	acct := f.account(f.Current.UserID)
	if acct == nil {
		f.Accounts = append(f.Accounts, account{UserID: f.Current.UserID, Name: f.Current.Name})
		acct = &f.Accounts[len(f.Accounts)-1]
	}
	acct.TOTPSecret = key.Secret()
	if err := p.save(f); err != nil {
		return "", err
	}
	return key.URL(), nil
}

// RequiresCode reports whether signing in as name needs a TOTP code.
func (p *LocalProvider) RequiresCode(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := p.load()
	if err != nil {
		return false
	}
	acct := f.account(UserIDFor(name))
	return acct != nil && acct.TOTPSecret != ""
}

func (f *identityFile) account(userID string) *account {
	for i := range f.Accounts {
		if f.Accounts[i].UserID == userID {
			return &f.Accounts[i]
		}
	}
	return nil
}

func (p *LocalProvider) load() (*identityFile, error) {
	f := &identityFile{}
	if _, err := toml.DecodeFile(p.path, f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return f, nil
		}
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	return f, nil
}

func (p *LocalProvider) save(f *identityFile) error {
	var b strings.Builder
	if err := toml.NewEncoder(&b).Encode(f); err != nil {
		return fmt.Errorf("encode identity file: %w", err)
	}
	if err := util.AtomicWriteFile(p.path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return nil
}

// =============================================================================
// STATIC PROVIDER
// =============================================================================

// Static is a fixed identity, used when the user id is pinned in config.
type Static struct {
	Identity Identity
}

// Current implements Provider.
func (s Static) Current() (Identity, error) {
	if s.Identity.UserID == "" {
		return Identity{}, ErrSignedOut
	}
	return s.Identity, nil
}

// SignIn implements Provider. A pinned identity cannot change.
func (s Static) SignIn(name, code string) (Identity, error) {
	return Identity{}, errors.New("identity is pinned by configuration")
}

// SignOut implements Provider.
func (s Static) SignOut() error {
	return errors.New("identity is pinned by configuration")
}
