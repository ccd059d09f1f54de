package nwc

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lnd-nwc/internal/nostr"
)

const (
	testIdentity = "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec"
	testSecret   = "71a8c14c1407c113601079c4302dab36460f0ccd0ad506f1f2dc73b5100e4f3c"
)

func TestParseURI(t *testing.T) {
	uri := "nostr+walletconnect://" + testIdentity +
		"?relay=wss%3A%2F%2Frelay.damus.io&relay=wss://Nos.Lol/&relay=wss://relay.damus.io&secret=" + testSecret

	s, err := ParseURI("phone", uri)
	require.NoError(t, err)

	assert.Equal(t, "phone", s.Name)
	assert.Equal(t, testIdentity, s.IdentityPubKey)
	assert.Equal(t, testSecret, hex.EncodeToString(s.Secret))
	assert.Equal(t, []string{"wss://relay.damus.io", "wss://nos.lol"}, s.Relays)
	assert.Nil(t, s.IdentityKey())

	secret, _ := hex.DecodeString(testSecret)
	want, err := nostr.PublicKeyFromSecret(secret)
	require.NoError(t, err)
	assert.Equal(t, want, s.ClientPubKey)
}

func TestParseURIAcceptsAliasScheme(t *testing.T) {
	s, err := ParseURI("alias", "nostrwalletconnect://"+testIdentity+"?relay=wss://relay.test&secret="+testSecret)
	require.NoError(t, err)
	assert.Equal(t, testIdentity, s.IdentityPubKey)
}

func TestParseURIRejects(t *testing.T) {
	relay := "relay=wss://relay.test"
	cases := map[string]string{
		"scheme":       "https://" + testIdentity + "?" + relay + "&secret=" + testSecret,
		"short pubkey": "nostr+walletconnect://abcd?" + relay + "&secret=" + testSecret,
		"bad pubkey":   "nostr+walletconnect://" + strings.Repeat("zz", 32) + "?" + relay + "&secret=" + testSecret,
		"no secret":    "nostr+walletconnect://" + testIdentity + "?" + relay,
		"short secret": "nostr+walletconnect://" + testIdentity + "?" + relay + "&secret=abcd",
		"no relay":     "nostr+walletconnect://" + testIdentity + "?secret=" + testSecret,
		"http relay":   "nostr+walletconnect://" + testIdentity + "?relay=https://relay.test&secret=" + testSecret,
		"not on curve": "nostr+walletconnect://" + strings.Repeat("ff", 32) + "?" + relay + "&secret=" + testSecret,
		"zero secret":  "nostr+walletconnect://" + testIdentity + "?" + relay + "&secret=" + strings.Repeat("00", 32),
	}
	for name, uri := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseURI("x", uri)
			assert.ErrorIs(t, err, ErrInvalidURI)
		})
	}
}

func TestURIRoundTrip(t *testing.T) {
	s := newTestSession(t, "laptop", "wss://relay.one", "wss://relay.two:4443/path")

	parsed, err := ParseURI("laptop", s.URI())
	require.NoError(t, err)
	assert.Equal(t, s.IdentityPubKey, parsed.IdentityPubKey)
	assert.Equal(t, s.Secret, parsed.Secret)
	assert.Equal(t, s.Relays, parsed.Relays)
	assert.Equal(t, s.ClientPubKey, parsed.ClientPubKey)
}

func TestGenerateSessionCarriesIdentityKey(t *testing.T) {
	s := newTestSession(t, "gen")
	require.NotNil(t, s.IdentityKey())
	assert.Equal(t, s.IdentityPubKey, s.IdentityKey().PublicKey())
	assert.NotEqual(t, s.IdentityPubKey, s.ClientPubKey)

	other, err := nostr.GenerateKeys()
	require.NoError(t, err)
	_, err = s.WithIdentityKey(other)
	assert.Error(t, err)
}

func TestRelayUnion(t *testing.T) {
	a := newTestSession(t, "a", "wss://one", "wss://two")
	b := newTestSession(t, "b", "wss://two", "wss://three")
	assert.Equal(t, []string{"wss://one", "wss://two", "wss://three"}, RelayUnion([]*Session{a, b}))
}
