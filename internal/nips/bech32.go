package nips

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

var ErrInvalidBech32 = errors.New("invalid bech32 string")

// EncodeNpub encodes a hex x-only pubkey as npub1...
func EncodeNpub(hexPubkey string) (string, error) {
	return encodeKey("npub", hexPubkey)
}

// DecodeNsec decodes an nsec1... string into a hex secret key
func DecodeNsec(nsec string) (string, error) {
	return decodeKey("nsec", nsec)
}

// DecodeNpub decodes an npub1... string into a hex pubkey
func DecodeNpub(npub string) (string, error) {
	return decodeKey("npub", npub)
}

func encodeKey(hrp, hexKey string) (string, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil || len(raw) != 32 {
		return "", fmt.Errorf("%s: key must be 32 bytes of hex", hrp)
	}
	data, err := convertBits(raw, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32Encode(hrp, data), nil
}

func decodeKey(hrp, s string) (string, error) {
	gotHRP, data, err := bech32Decode(s)
	if err != nil {
		return "", err
	}
	if gotHRP != hrp {
		return "", fmt.Errorf("%w: expected %s prefix, got %s", ErrInvalidBech32, hrp, gotHRP)
	}
	raw, err := convertBits(data, 5, 8, false)
	if err != nil {
		return "", err
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("%w: payload is %d bytes", ErrInvalidBech32, len(raw))
	}
	return hex.EncodeToString(raw), nil
}

func bech32Decode(s string) (string, []byte, error) {
	if strings.ToLower(s) != s && strings.ToUpper(s) != s {
		return "", nil, fmt.Errorf("%w: mixed case", ErrInvalidBech32)
	}
	s = strings.ToLower(s)

	pos := strings.LastIndex(s, "1")
	if pos < 1 || pos+7 > len(s) {
		return "", nil, fmt.Errorf("%w: separator", ErrInvalidBech32)
	}

	hrp := s[:pos]
	values := make([]byte, 0, len(s)-pos-1)
	for _, c := range s[pos+1:] {
		idx := strings.IndexRune(bech32Charset, c)
		if idx == -1 {
			return "", nil, fmt.Errorf("%w: character %q", ErrInvalidBech32, c)
		}
		values = append(values, byte(idx))
	}

	if polymod(append(hrpExpand(hrp), toInts(values)...)) != 1 {
		return "", nil, fmt.Errorf("%w: checksum", ErrInvalidBech32)
	}
	return hrp, values[:len(values)-6], nil
}

func bech32Encode(hrp string, data []byte) string {
	values := append(hrpExpand(hrp), toInts(data)...)
	values = append(values, 0, 0, 0, 0, 0, 0)
	mod := polymod(values) ^ 1

	var b strings.Builder
	b.WriteString(hrp)
	b.WriteByte('1')
	for _, v := range data {
		b.WriteByte(bech32Charset[v])
	}
	for i := 0; i < 6; i++ {
		b.WriteByte(bech32Charset[(mod>>(5*(5-i)))&31])
	}
	return b.String()
}

func convertBits(data []byte, fromBits, toBits uint, pad bool) ([]byte, error) {
	acc := 0
	bits := uint(0)
	maxv := (1 << toBits) - 1
	var ret []byte

	for _, value := range data {
		acc = (acc << fromBits) | int(value)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			ret = append(ret, byte((acc>>bits)&maxv))
		}
	}

	if pad {
		if bits > 0 {
			ret = append(ret, byte((acc<<(toBits-bits))&maxv))
		}
	} else if bits >= fromBits || ((acc<<(toBits-bits))&maxv) != 0 {
		return nil, fmt.Errorf("%w: padding", ErrInvalidBech32)
	}
	return ret, nil
}

func polymod(values []int) int {
	gen := []int{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := 1
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ v
		for i := 0; i < 5; i++ {
			if (top>>i)&1 != 0 {
				chk ^= gen[i]
			}
		}
	}
	return chk
}

func hrpExpand(hrp string) []int {
	ret := make([]int, 0, len(hrp)*2+1)
	for _, c := range hrp {
		ret = append(ret, int(c>>5))
	}
	ret = append(ret, 0)
	for _, c := range hrp {
		ret = append(ret, int(c&31))
	}
	return ret
}

func toInts(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}
