// Package dump stores the payload read from a MIFARE Classic card in a file
// so it can be written back to the same or another card.
package dump

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/SimplyPrint/mifare-agent/internal/classic"
	"github.com/SimplyPrint/mifare-agent/internal/core"
)

// FormatVersion is written into every dump.
const FormatVersion = 1

// selfDescribeTag marks the file as CBOR (RFC 8949 section 3.4.6).
const selfDescribeTag = 55799

var (
	// ErrNotDump is returned when a file is not a card dump.
	ErrNotDump = errors.New("not a card dump")
	// ErrUnsupportedVersion is returned for dumps written by a newer agent.
	ErrUnsupportedVersion = errors.New("unsupported dump version")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.EncOptions{
		Sort: cbor.SortCanonical,
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder: %v", err))
	}

	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
		IntDec:    cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder: %v", err))
	}
}

// cardNamespace derives stable card IDs from UIDs.
var cardNamespace = uuid.MustParse("8f3c2a4e-6b1d-5e7f-9a0c-2d4e6f8a1b3c")

// CardID returns the UUIDv5 identifying the card with the given UID.
func CardID(uid []byte) uuid.UUID {
	return uuid.NewSHA1(cardNamespace, uid)
}

// Dump is the saved contents of a card's writable blocks.
type Dump struct {
	Version        int       `cbor:"0,keyasint" json:"version"`
	ID             uuid.UUID `cbor:"1,keyasint" json:"id"`
	CardID         uuid.UUID `cbor:"2,keyasint" json:"cardId"`
	UID            []byte    `cbor:"3,keyasint" json:"uid"`
	Capacity       string    `cbor:"4,keyasint" json:"capacity"`
	CreatedAt      time.Time `cbor:"5,keyasint" json:"createdAt"`
	Payload        []byte    `cbor:"6,keyasint" json:"payload"`
	SkippedSectors []int     `cbor:"7,keyasint,omitempty" json:"skippedSectors,omitempty"`
	FailedBlocks   []int     `cbor:"8,keyasint,omitempty" json:"failedBlocks,omitempty"`
}

// FromRead builds a dump from a ReadAll result. The payload covers every
// writable block of capacity in order; blocks the read could not reach are
// stored as zeros so the rest stay at their own positions.
func FromRead(uid []byte, capacity classic.Capacity, result *classic.ReadResult) *Dump {
	d := &Dump{
		Version:   FormatVersion,
		ID:        uuid.New(),
		CardID:    CardID(uid),
		UID:       append([]byte(nil), uid...),
		Capacity:  capacity.String(),
		CreatedAt: time.Now().UTC(),
		Payload:   result.Aligned(capacity),
	}
	if len(result.SkippedSectors) > 0 {
		d.SkippedSectors = append([]int(nil), result.SkippedSectors...)
	}
	if len(result.FailedBlocks) > 0 {
		d.FailedBlocks = append([]int(nil), result.FailedBlocks...)
	}
	return d
}

// Validate checks that the dump can be written back to a card.
func (d *Dump) Validate() error {
	if d.Version < 1 || d.Version > FormatVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, d.Version)
	}
	capacity, err := classic.ParseCapacity(d.Capacity)
	if err != nil {
		return err
	}
	if len(d.Payload) > capacity.MaxPayload() {
		return fmt.Errorf("payload is %d bytes, %s card holds %d", len(d.Payload), capacity, capacity.MaxPayload())
	}
	if len(d.UID) > 0 && d.CardID != CardID(d.UID) {
		return fmt.Errorf("card id %s does not match uid %X", d.CardID, d.UID)
	}
	return nil
}

// Complete reports whether every writable block was read when the dump was
// taken.
func (d *Dump) Complete() bool {
	return len(d.SkippedSectors) == 0 && len(d.FailedBlocks) == 0
}

// SameCard reports whether uid belongs to the card the dump was taken from.
func (d *Dump) SameCard(uid []byte) bool {
	return CardID(uid) == d.CardID
}

// RestoreRequest returns the write that puts the dump back on a card. The
// card is cleared first so no blocks from its previous contents survive,
// and blocks missing from the dump end up zeroed.
func (d *Dump) RestoreRequest(creds classic.Credentials) core.WriteRequest {
	return core.WriteRequest{
		ReadRequest: core.ReadRequest{Credentials: creds, Capacity: d.Capacity},
		Payload:     d.Payload,
		ClearFirst:  true,
	}
}

// Encode serialises the dump as tagged canonical CBOR.
func (d *Dump) Encode() ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return encMode.Marshal(cbor.Tag{Number: selfDescribeTag, Content: d})
}

// Decode parses and validates a dump produced by Encode.
func Decode(data []byte) (*Dump, error) {
	var tag cbor.RawTag
	if err := decMode.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotDump, err)
	}
	if tag.Number != selfDescribeTag {
		return nil, fmt.Errorf("%w: unexpected tag %d", ErrNotDump, tag.Number)
	}

	d := &Dump{}
	if err := decMode.Unmarshal(tag.Content, d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotDump, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Save writes the dump to path.
func (d *Dump) Save(path string) error {
	data, err := d.Encode()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Load reads a dump from path.
func Load(path string) (*Dump, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}
