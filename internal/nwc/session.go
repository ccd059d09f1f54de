package nwc

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"lnd-nwc/internal/nips"
	"lnd-nwc/internal/nostr"
)

const (
	uriScheme      = "nostr+walletconnect://"
	uriSchemeAlias = "nostrwalletconnect://"
)

var ErrInvalidURI = errors.New("invalid wallet connect uri")

// Session is one client's capability: the identity the client addresses,
// the secret it signs and encrypts with, and where to listen. It is
// immutable once constructed.
type Session struct {
	Name           string
	IdentityPubKey string   // x-only hex, the wallet identity in the URI
	Secret         []byte   // 32 byte client secret from the URI
	ClientPubKey   string   // x-only hex derived from Secret
	Relays         []string // normalized, deduplicated

	identity *nostr.Keys // optional private half of IdentityPubKey
	nip44Key []byte
	nip04Key []byte
}

// NewSession validates the parts of a capability and derives its keys.
func NewSession(name, identityPubKey string, secret []byte, relays []string) (*Session, error) {
	identityPubKey = strings.ToLower(identityPubKey)
	if err := nostr.ValidatePublicKeyHex(identityPubKey); err != nil {
		return nil, fmt.Errorf("%w: identity: %v", ErrInvalidURI, err)
	}

	clientPub, err := nostr.PublicKeyFromSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: secret: %v", ErrInvalidURI, err)
	}

	if len(relays) == 0 {
		return nil, fmt.Errorf("%w: at least one relay is required", ErrInvalidURI)
	}
	normalized := make([]string, 0, len(relays))
	for _, r := range relays {
		n, err := nostr.NormalizeRelayURL(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
		}
		if !slices.Contains(normalized, n) {
			normalized = append(normalized, n)
		}
	}

	peer, _ := hex.DecodeString(identityPubKey)
	nip44Key, err := nips.ConversationKey(secret, peer)
	if err != nil {
		return nil, fmt.Errorf("derive conversation key: %w", err)
	}
	nip04Key, err := nips.Nip04SharedSecret(secret, peer)
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}

	return &Session{
		Name:           name,
		IdentityPubKey: identityPubKey,
		Secret:         slices.Clone(secret),
		ClientPubKey:   clientPub,
		Relays:         normalized,
		nip44Key:       nip44Key,
		nip04Key:       nip04Key,
	}, nil
}

// ParseURI parses nostr+walletconnect://<pubkey>?relay=<url>&relay=<url>&secret=<hex>
func ParseURI(name, uri string) (*Session, error) {
	uri = strings.TrimSpace(uri)
	var rest string
	switch {
	case strings.HasPrefix(uri, uriScheme):
		rest = strings.TrimPrefix(uri, uriScheme)
	case strings.HasPrefix(uri, uriSchemeAlias):
		rest = strings.TrimPrefix(uri, uriSchemeAlias)
	default:
		return nil, fmt.Errorf("%w: must start with %s", ErrInvalidURI, uriScheme)
	}

	// url.Parse does not accept the custom scheme
	u, err := url.Parse("https://" + rest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}

	identity := u.Host
	if identity == "" {
		identity = strings.TrimPrefix(u.Path, "/")
	}
	if len(identity) != 64 {
		return nil, fmt.Errorf("%w: pubkey must be 64 hex characters", ErrInvalidURI)
	}

	q := u.Query()
	secretHex := q.Get("secret")
	if len(secretHex) != 64 {
		return nil, fmt.Errorf("%w: secret must be 64 hex characters", ErrInvalidURI)
	}
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("%w: secret is not hex", ErrInvalidURI)
	}

	return NewSession(name, identity, secret, q["relay"])
}

// GenerateSession creates a fresh capability with its own identity key.
func GenerateSession(name string, relays []string) (*Session, error) {
	identity, err := nostr.GenerateKeys()
	if err != nil {
		return nil, err
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	s, err := NewSession(name, identity.PublicKey(), secret, relays)
	if err != nil {
		return nil, err
	}
	return s.WithIdentityKey(identity)
}

// WithIdentityKey returns a copy of the session that signs its events with
// keys. keys must be the private half of IdentityPubKey.
func (s *Session) WithIdentityKey(keys *nostr.Keys) (*Session, error) {
	if keys.PublicKey() != s.IdentityPubKey {
		return nil, fmt.Errorf("identity key does not match uri pubkey %s", nostr.ShortID(s.IdentityPubKey))
	}
	c := *s
	c.identity = keys
	return &c, nil
}

// IdentityKey returns the session's own signing key, or nil when events are
// signed by the service key.
func (s *Session) IdentityKey() *nostr.Keys {
	return s.identity
}

func (s *Session) signer(service *nostr.Keys) *nostr.Keys {
	if s.identity != nil {
		return s.identity
	}
	return service
}

// URI renders the capability URI handed to the client.
func (s *Session) URI() string {
	var b strings.Builder
	b.WriteString(uriScheme)
	b.WriteString(s.IdentityPubKey)
	b.WriteByte('?')
	for _, r := range s.Relays {
		b.WriteString("relay=")
		b.WriteString(url.QueryEscape(r))
		b.WriteByte('&')
	}
	b.WriteString("secret=")
	b.WriteString(hex.EncodeToString(s.Secret))
	return b.String()
}

// RelayUnion returns every relay used by sessions, in first-seen order.
func RelayUnion(sessions []*Session) []string {
	var out []string
	for _, s := range sessions {
		for _, r := range s.Relays {
			if !slices.Contains(out, r) {
				out = append(out, r)
			}
		}
	}
	return out
}
