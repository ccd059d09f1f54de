package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"lnd-nwc/internal/types"
)

var ErrInvalidEvent = errors.New("invalid event")

// marshalNoEscape encodes v without HTML escaping. Relays hash the raw
// characters, so escaping <, > or & would change the event id.
func marshalNoEscape(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// ComputeEventID returns the NIP-01 id: sha256 of [0,pubkey,created_at,kind,tags,content]
func ComputeEventID(evt *types.Event) (string, error) {
	tags := evt.Tags
	if tags == nil {
		tags = [][]string{}
	}
	serialized, err := marshalNoEscape([]interface{}{0, evt.PubKey, evt.CreatedAt, evt.Kind, tags, evt.Content})
	if err != nil {
		return "", fmt.Errorf("serialize event: %w", err)
	}
	hash := sha256.Sum256(serialized)
	return hex.EncodeToString(hash[:]), nil
}

// MarshalEvent encodes an event for the wire with the same escaping rules used for its id.
func MarshalEvent(evt *types.Event) ([]byte, error) {
	if evt.Tags == nil {
		evt.Tags = [][]string{}
	}
	return marshalNoEscape(evt)
}

// ValidateEventSignature verifies the id and Schnorr signature of a Nostr event
func ValidateEventSignature(evt *types.Event) bool {
	if len(evt.Sig) != 128 || len(evt.PubKey) != 64 {
		return false
	}

	id, err := ComputeEventID(evt)
	if err != nil || id != evt.ID {
		return false
	}

	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return false
	}
	pubKeyBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return false
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}

	return sig.Verify(idBytes, pubKey)
}

// ParseEventFromInterface converts a decoded relay frame element to an Event
// and rejects it when the signature does not verify.
func ParseEventFromInterface(data interface{}) (types.Event, bool) {
	m, ok := data.(map[string]interface{})
	if !ok {
		return types.Event{}, false
	}

	evt := types.Event{}

	if id, ok := m["id"].(string); ok {
		evt.ID = id
	}
	if pk, ok := m["pubkey"].(string); ok {
		evt.PubKey = pk
	}
	switch createdAt := m["created_at"].(type) {
	case float64:
		evt.CreatedAt = int64(createdAt)
	case json.Number:
		evt.CreatedAt, _ = strconv.ParseInt(string(createdAt), 10, 64)
	}
	switch kind := m["kind"].(type) {
	case float64:
		evt.Kind = int(kind)
	case json.Number:
		k, _ := strconv.Atoi(string(kind))
		evt.Kind = k
	}
	if content, ok := m["content"].(string); ok {
		evt.Content = content
	}
	if sig, ok := m["sig"].(string); ok {
		evt.Sig = sig
	}

	evt.Tags = [][]string{}
	if tags, ok := m["tags"].([]interface{}); ok {
		for _, tag := range tags {
			if tagArr, ok := tag.([]interface{}); ok {
				strTag := make([]string, 0, len(tagArr))
				for _, elem := range tagArr {
					if s, ok := elem.(string); ok {
						strTag = append(strTag, s)
					}
				}
				evt.Tags = append(evt.Tags, strTag)
			}
		}
	}

	if !ValidateEventSignature(&evt) {
		slog.Debug("event signature validation failed", "event_id", ShortID(evt.ID))
		return types.Event{}, false
	}

	return evt, true
}

// ShortID truncates ID/pubkey to 12 chars for logging
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}
