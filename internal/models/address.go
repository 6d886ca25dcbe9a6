package models

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Address is a 20-byte Ethereum account address. The zero value means
// "absent" and is rejected wherever an executor or signer is required.
type Address [20]byte

func ParseAddress(s string) (Address, error) {
	var a Address
	raw := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(raw) != 40 {
		return a, fmt.Errorf("invalid address %q: want 40 hex chars, got %d", s, len(raw))
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return a, fmt.Errorf("invalid address %q: %w", s, err)
	}
	copy(a[:], b)
	return a, nil
}

func (a Address) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) String() string { return a.Hex() }

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.Hex()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Hash32 is a 32-byte hash (Keccak-256 output), hex-encoded in JSON.
type Hash32 [32]byte

func ParseHash32(s string) (Hash32, error) {
	var h Hash32
	raw := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(raw) != 64 {
		return h, fmt.Errorf("invalid hash %q: want 64 hex chars, got %d", s, len(raw))
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return h, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	copy(h[:], b)
	return h, nil
}

func (h Hash32) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

func (h Hash32) IsZero() bool {
	return h == Hash32{}
}

func (h Hash32) String() string { return h.Hex() }

func (h Hash32) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

func (h *Hash32) UnmarshalText(text []byte) error {
	parsed, err := ParseHash32(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
