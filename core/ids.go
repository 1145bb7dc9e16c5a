package core

import (
	"encoding/hex"
	"fmt"
)

// CoinId is a 32-byte opaque asset identifier, hex-encoded everywhere
// outside its in-memory form.
type CoinId [32]byte

func (c CoinId) Hex() string { return hex.EncodeToString(c[:]) }

func (c CoinId) String() string { return c.Hex() }

func (c CoinId) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.Hex() + `"`), nil
}

func (c *CoinId) UnmarshalJSON(b []byte) error {
	s, err := unquoteJSONString(b)
	if err != nil {
		return err
	}
	return c.fromHex(s)
}

func (c *CoinId) fromHex(s string) error {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("coin id: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("coin id: want 32 bytes, got %d", len(raw))
	}
	copy(c[:], raw)
	return nil
}

// CoinIdFromHex parses a hex-encoded 32-byte coin id.
func CoinIdFromHex(s string) (CoinId, error) {
	var c CoinId
	err := c.fromHex(s)
	return c, err
}

// TokenId is the external (on-ledger) token identifier carried inside the
// token's genesis data — opaque to this module beyond equality and hex
// round-tripping.
type TokenId string

// LocalTokenId is a wallet-local primary key, stable for the life of a
// token record and distinct from TokenId (two local records may share a
// TokenId transiently during a split).
type LocalTokenId string

// decodeHexLoose decodes s as hex, accepting an optional "0x" prefix.
func decodeHexLoose(s string) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	return hex.DecodeString(s)
}

func unquoteJSONString(b []byte) (string, error) {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return "", fmt.Errorf("expected JSON string, got %q", b)
	}
	return string(b[1 : len(b)-1]), nil
}
