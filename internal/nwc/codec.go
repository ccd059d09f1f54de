package nwc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"lnd-nwc/internal/nips"
	"lnd-nwc/internal/types"
)

// Scheme is the content encryption used by an envelope.
type Scheme string

const (
	SchemeNIP44 Scheme = "nip44_v2"
	SchemeNIP04 Scheme = "nip04"
)

// encryptionTag is advertised by the info event.
const encryptionTag = string(SchemeNIP44) + " " + string(SchemeNIP04)

var ErrDecrypt = errors.New("decrypt failed")

// SchemeOf picks the scheme of a request. An explicit encryption tag wins;
// untagged requests are NIP-04 unless the content lacks the iv suffix every
// NIP-04 payload carries.
func SchemeOf(evt *types.Event) Scheme {
	if tag := evt.TagValue("encryption"); tag != "" {
		for _, s := range strings.Fields(tag) {
			if Scheme(s) == SchemeNIP44 {
				return SchemeNIP44
			}
		}
		return SchemeNIP04
	}
	if strings.Contains(evt.Content, "?iv=") {
		return SchemeNIP04
	}
	return SchemeNIP44
}

// Decrypt opens an envelope addressed to s.
func Decrypt(s *Session, scheme Scheme, ciphertext string) (string, error) {
	var (
		plaintext string
		err       error
	)
	switch scheme {
	case SchemeNIP44:
		plaintext, err = nips.Decrypt(ciphertext, s.nip44Key)
	case SchemeNIP04:
		plaintext, err = nips.Nip04Decrypt(ciphertext, s.nip04Key)
	default:
		return "", fmt.Errorf("%w: unknown scheme %q", ErrDecrypt, scheme)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

// Encrypt seals plaintext for the client of s.
func Encrypt(s *Session, scheme Scheme, plaintext string) (string, error) {
	switch scheme {
	case SchemeNIP44:
		return nips.Encrypt(plaintext, s.nip44Key)
	case SchemeNIP04:
		return nips.Nip04Encrypt(plaintext, s.nip04Key)
	default:
		return "", fmt.Errorf("unknown scheme %q", scheme)
	}
}

type requestEnvelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// DecodeRequest parses and structurally validates a request. Failures are
// always *DecodeError.
func DecodeRequest(plaintext string) (Command, error) {
	var env requestEnvelope
	if err := json.Unmarshal([]byte(plaintext), &env); err != nil {
		return nil, &DecodeError{Kind: MalformedRequest, Err: err}
	}
	if env.Method == "" {
		return nil, &DecodeError{Kind: MalformedRequest, Err: errors.New("missing method")}
	}

	cmd, err := decodeParams(env.Method, env.Params)
	if errors.Is(err, errUnknownMethod) {
		return nil, &DecodeError{Kind: UnknownMethod, Method: env.Method}
	}
	if err == nil {
		err = cmd.validate()
	}
	if err != nil {
		return nil, &DecodeError{Kind: MalformedParams, Method: env.Method, Err: err}
	}
	return cmd, nil
}

type responseError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

type responseEnvelope struct {
	ResultType string         `json:"result_type"`
	Result     Result         `json:"result,omitempty"`
	Error      *responseError `json:"error,omitempty"`
}

type notificationEnvelope struct {
	NotificationType string      `json:"notification_type"`
	Notification     Transaction `json:"notification"`
}

// EncodeResult renders a success envelope.
func EncodeResult(r Result) ([]byte, error) {
	return marshal(responseEnvelope{ResultType: r.ResultType(), Result: r})
}

// EncodeError renders an error envelope for method.
func EncodeError(method string, code ErrorCode, message string) ([]byte, error) {
	return marshal(responseEnvelope{
		ResultType: method,
		Error:      &responseError{Code: code, Message: message},
	})
}

// EncodeNotification renders a notification envelope.
func EncodeNotification(n *Notification) ([]byte, error) {
	return marshal(notificationEnvelope{NotificationType: n.Type(), Notification: n.transaction()})
}

// invoices and descriptions must reach the client unescaped
func marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
