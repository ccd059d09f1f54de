package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lnd-nwc/internal/types"
)

func TestKeysFromHexKnownPubkey(t *testing.T) {
	keys, err := KeysFromHex("edc90d06fee17615229c8526dc005d959e4af3bdc0b48c5776c951bcafedec85")
	require.NoError(t, err)
	assert.Equal(t, "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec", keys.PublicKey())
	assert.Equal(t, "edc90d06fee17615229c8526dc005d959e4af3bdc0b48c5776c951bcafedec85", keys.SecretHex())
}

func TestKeysFromHexRejectsBadInput(t *testing.T) {
	for _, in := range []string{"", "zz", "00", "0000000000000000000000000000000000000000000000000000000000000000"} {
		_, err := KeysFromHex(in)
		assert.ErrorIs(t, err, ErrInvalidKey, "input %q", in)
	}
}

func TestComputeEventIDDoesNotEscapeHTML(t *testing.T) {
	evt := &types.Event{
		PubKey:    "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec",
		CreatedAt: 1700000000,
		Kind:      1,
		Content:   "<b>fish & chips</b>",
	}

	id, err := ComputeEventID(evt)
	require.NoError(t, err)

	raw := `[0,"bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec",1700000000,1,[],"<b>fish & chips</b>"]`
	sum := sha256.Sum256([]byte(raw))
	assert.Equal(t, hex.EncodeToString(sum[:]), id)
}

func TestSignAndValidate(t *testing.T) {
	keys, err := GenerateKeys()
	require.NoError(t, err)

	evt := &types.Event{
		Kind:    KindWalletResponse,
		Tags:    [][]string{{"p", keys.PublicKey()}, {"e", "abc"}},
		Content: "payload?iv=xyz",
	}
	require.NoError(t, keys.Sign(evt))

	assert.Equal(t, keys.PublicKey(), evt.PubKey)
	assert.NotZero(t, evt.CreatedAt)
	assert.Len(t, evt.ID, 64)
	assert.Len(t, evt.Sig, 128)
	assert.True(t, ValidateEventSignature(evt))

	tampered := *evt
	tampered.Content = "other"
	assert.False(t, ValidateEventSignature(&tampered))
}

func TestParseEventFromInterface(t *testing.T) {
	keys, err := GenerateKeys()
	require.NoError(t, err)

	evt := &types.Event{Kind: KindWalletRequest, Tags: [][]string{{"p", "ff"}}, Content: "hi"}
	require.NoError(t, keys.Sign(evt))

	wire, err := MarshalEvent(evt)
	require.NoError(t, err)

	var generic interface{}
	require.NoError(t, json.Unmarshal(wire, &generic))

	parsed, ok := ParseEventFromInterface(generic)
	require.True(t, ok)
	assert.Equal(t, *evt, parsed)

	m := generic.(map[string]interface{})
	m["content"] = "changed"
	_, ok = ParseEventFromInterface(m)
	assert.False(t, ok)

	_, ok = ParseEventFromInterface("not an event")
	assert.False(t, ok)
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "0123456789ab", ShortID("0123456789abcdef"))
	assert.Equal(t, "abc", ShortID("abc"))
}
