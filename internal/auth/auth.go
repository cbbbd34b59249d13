// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package auth issues the signed credentials the App Store Connect API
// requires. Credentials are short-lived ES256 JWTs; the manager caches the
// current one and regenerates it shortly before expiry so that no caller
// ever holds an expired credential.
package auth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"
)

// ErrAuth wraps credential generation failures. These are fatal: a run
// cannot proceed without a signable key.
var ErrAuth = errors.New("authentication failed")

const (
	tokenValidity = 15 * time.Minute
	refreshMargin = time.Minute
	audience      = "appstoreconnect-v1"

	credentialKey = "credential"
)

// Credential is a signed, time-bounded API token. Immutable once issued;
// a refresh produces a new value rather than mutating the old one.
type Credential struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Manager generates and caches credentials. Safe for concurrent use:
// reads hit the TTL cache, and concurrent refreshes collapse into a
// single signing via singleflight.
type Manager struct {
	issuerID string
	keyID    string
	key      *ecdsa.PrivateKey

	cache *ttlcache.Cache[string, Credential]
	group singleflight.Group

	validity time.Duration
	margin   time.Duration
	now      func() time.Time
}

// NewManager parses the PEM private key and returns a manager. A key that
// does not parse is an ErrAuth.
func NewManager(issuerID, keyID, privateKeyPEM string) (*Manager, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", ErrAuth, err)
	}
	return &Manager{
		issuerID: issuerID,
		keyID:    keyID,
		key:      key,
		cache: ttlcache.New(
			ttlcache.WithDisableTouchOnHit[string, Credential](),
		),
		validity: tokenValidity,
		margin:   refreshMargin,
		now:      time.Now,
	}, nil
}

// Credential returns a credential that is valid for at least the refresh
// margin. The cached credential is reused until it enters the margin, at
// which point exactly one caller regenerates it.
func (m *Manager) Credential() (Credential, error) {
	if item := m.cache.Get(credentialKey); item != nil {
		return item.Value(), nil
	}
	v, err, _ := m.group.Do(credentialKey, func() (any, error) {
		if item := m.cache.Get(credentialKey); item != nil {
			return item.Value(), nil
		}
		cred, err := m.generate()
		if err != nil {
			return Credential{}, err
		}
		if ttl := time.Until(cred.ExpiresAt) - m.margin; ttl > 0 {
			m.cache.Set(credentialKey, cred, ttl)
		}
		return cred, nil
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

// Token returns just the signed token string, refreshing as needed.
func (m *Manager) Token() (string, error) {
	cred, err := m.Credential()
	if err != nil {
		return "", err
	}
	return cred.Token, nil
}

func (m *Manager) generate() (Credential, error) {
	now := m.now().Truncate(time.Second)
	expires := now.Add(m.validity)

	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.RegisteredClaims{
		Issuer:    m.issuerID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
		Audience:  jwt.ClaimStrings{audience},
	})
	tok.Header["kid"] = m.keyID

	signed, err := tok.SignedString(m.key)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: sign token: %v", ErrAuth, err)
	}
	return Credential{
		Token:     signed,
		IssuedAt:  now,
		ExpiresAt: expires,
	}, nil
}
