package classic

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// PC/SC pseudo-APDU class byte used by contactless readers.
const claReader = 0xFF

// Instruction bytes (PC/SC part 3).
const (
	insLoadKey      = 0x82
	insAuthenticate = 0x86
	insReadBinary   = 0xB0
	insUpdateBinary = 0xD6
	insGetData      = 0xCA
)

// KeyType selects which sector key the reader authenticates with.
type KeyType byte

const (
	KeyA KeyType = 0x60
	KeyB KeyType = 0x61
)

func (k KeyType) String() string {
	switch k {
	case KeyA:
		return "A"
	case KeyB:
		return "B"
	default:
		return fmt.Sprintf("0x%02X", byte(k))
	}
}

// ParseKeyType converts "A"/"B" (or the raw 0x60/0x61 forms) to a KeyType.
// An empty string selects Key A.
func ParseKeyType(s string) (KeyType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "A", "60", "0X60":
		return KeyA, nil
	case "B", "61", "0X61":
		return KeyB, nil
	}
	return 0, fmt.Errorf("%w: key type %q (want A or B)", ErrInvalidKey, s)
}

// KeySize is the length of a MIFARE Classic sector key.
const KeySize = 6

// Key is a 6-byte sector key.
type Key [KeySize]byte

// DefaultKey is the factory transport key.
var DefaultKey = Key{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// DefaultKeySlot is the reader's volatile key slot used unless Options names
// another.
const DefaultKeySlot byte = 0x00

func (k Key) String() string {
	return strings.ToUpper(hex.EncodeToString(k[:]))
}

// ParseKey decodes a 12-character hex key. An empty string yields DefaultKey.
func ParseKey(s string) (Key, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultKey, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != KeySize {
		return Key{}, fmt.Errorf("%w: must be 12 hex characters", ErrInvalidKey)
	}
	var k Key
	copy(k[:], raw)
	return k, nil
}

// Command is an APDU that can be serialised for the transport.
type Command interface {
	Bytes() []byte
}

// LoadKeyCommand stores a key in the reader's volatile key slot.
// Wire format: FF 82 00 <slot> 06 <key[6]>.
type LoadKeyCommand struct {
	Slot byte
	Key  Key
}

func (c LoadKeyCommand) Bytes() []byte {
	b := make([]byte, 0, 5+KeySize)
	b = append(b, claReader, insLoadKey, 0x00, c.Slot, KeySize)
	return append(b, c.Key[:]...)
}

// AuthenticateCommand runs general authenticate against a block using the
// key previously loaded into Slot.
// Wire format: FF 86 00 00 05 01 00 <block> <keyType> <slot>.
type AuthenticateCommand struct {
	Block   byte
	KeyType KeyType
	Slot    byte
}

func (c AuthenticateCommand) Bytes() []byte {
	return []byte{
		claReader, insAuthenticate, 0x00, 0x00, 0x05,
		0x01, // version
		0x00, c.Block, byte(c.KeyType), c.Slot,
	}
}

// ReadBlockCommand reads one 16-byte block: FF B0 00 <block> 10.
type ReadBlockCommand struct {
	Block byte
}

func (c ReadBlockCommand) Bytes() []byte {
	return []byte{claReader, insReadBinary, 0x00, c.Block, BlockSize}
}

// WriteBlockCommand writes one 16-byte block: FF D6 00 <block> 10 <data>.
type WriteBlockCommand struct {
	Block byte
	Data  [BlockSize]byte
}

func (c WriteBlockCommand) Bytes() []byte {
	b := make([]byte, 0, 5+BlockSize)
	b = append(b, claReader, insUpdateBinary, 0x00, c.Block, BlockSize)
	return append(b, c.Data[:]...)
}

// GetUIDCommand requests the card UID: FF CA 00 00 00.
type GetUIDCommand struct{}

func (GetUIDCommand) Bytes() []byte {
	return []byte{claReader, insGetData, 0x00, 0x00, 0x00}
}

// StatusWord is the SW1SW2 trailer of a response.
type StatusWord uint16

// StatusSuccess is the only status treated as success.
const StatusSuccess StatusWord = 0x9000

// Common failure statuses returned by contactless readers.
const (
	StatusWrongLength        StatusWord = 0x6700
	StatusSecurityNotSatisfy StatusWord = 0x6982
	StatusAuthMethodBlocked  StatusWord = 0x6983
	StatusCommandNotAllowed  StatusWord = 0x6986
	StatusFunctionNotSupport StatusWord = 0x6A81
	StatusOperationFailed    StatusWord = 0x6300
)

// OK reports whether s is 90 00.
func (s StatusWord) OK() bool { return s == StatusSuccess }

func (s StatusWord) String() string {
	return fmt.Sprintf("%02X %02X", byte(s>>8), byte(s))
}

// Description returns a short human-readable meaning of s.
func (s StatusWord) Description() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusOperationFailed:
		return "operation failed"
	case StatusWrongLength:
		return "wrong length"
	case StatusSecurityNotSatisfy:
		return "security status not satisfied"
	case StatusAuthMethodBlocked:
		return "authentication method blocked"
	case StatusCommandNotAllowed:
		return "command not allowed"
	case StatusFunctionNotSupport:
		return "function not supported"
	default:
		return "unknown status"
	}
}

// splitResponse separates the response body from its status word.
func splitResponse(rsp []byte) ([]byte, StatusWord, error) {
	if len(rsp) < 2 {
		return nil, 0, fmt.Errorf("short response: %d bytes", len(rsp))
	}
	sw := StatusWord(uint16(rsp[len(rsp)-2])<<8 | uint16(rsp[len(rsp)-1]))
	return rsp[:len(rsp)-2], sw, nil
}
