package core

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/SimplyPrint/mifare-agent/internal/classic"
	"github.com/SimplyPrint/mifare-agent/internal/logging"
)

// CardInfo describes the card currently on a reader.
type CardInfo struct {
	Reader         string `json:"reader"`
	UID            string `json:"uid"`
	ATR            string `json:"atr,omitempty"`
	Type           string `json:"type,omitempty"`     // e.g. "MIFARE Classic 4K"
	Capacity       string `json:"capacity,omitempty"` // "2k" or "4k" when known
	Size           int    `json:"size,omitempty"`     // Payload bytes available
	WritableBlocks int    `json:"writableBlocks,omitempty"`
	Supported      bool   `json:"supported"`
	Identified     bool   `json:"identified"` // the ATR names the card family
}

// ErrUnsupportedCard is returned for whole-card operations on a card whose
// ATR names a family other than MIFARE Classic 2K or 4K.
var ErrUnsupportedCard = errors.New("unsupported card")

// PC/SC part 3 ATR for contactless storage cards:
// 3B 8F 80 01 80 4F 0C A0 00 00 03 06 <SS> <NN NN> 00 00 00 00 <TCK>
// SS is the standard byte, NN NN the card name.
var pcscStorageRID = []byte{0xA0, 0x00, 0x00, 0x03, 0x06}

type cardName struct {
	name     string
	capacity classic.Capacity
	known    bool // capacity is meaningful
}

var cardNames = map[uint16]cardName{
	0x0001: {name: "MIFARE Classic 1K"},
	0x0002: {name: "MIFARE Classic 4K", capacity: classic.Classic4K, known: true},
	0x0003: {name: "MIFARE Ultralight"},
	0x0026: {name: "MIFARE Mini"},
	0x0036: {name: "MIFARE Plus SL1 2K", capacity: classic.Classic2K, known: true},
	0x0037: {name: "MIFARE Plus SL1 4K", capacity: classic.Classic4K, known: true},
}

// DetectCapacity derives the card type and, where the ATR names one, the
// Classic capacity. ok is false when the ATR does not identify a 2K or 4K
// card; the caller then falls back to a configured capacity.
func DetectCapacity(atr []byte) (capacity classic.Capacity, typeName string, ok bool) {
	code, hasName := cardNameCode(atr)
	if !hasName {
		return 0, "", false
	}
	cn, found := cardNames[code]
	if !found {
		return 0, fmt.Sprintf("unknown (%04X)", code), false
	}
	return cn.capacity, cn.name, cn.known
}

// identified reports whether the ATR names a card family listed in
// cardNames, supported or not.
func identified(atr []byte) bool {
	code, hasName := cardNameCode(atr)
	if !hasName {
		return false
	}
	_, found := cardNames[code]
	return found
}

func cardNameCode(atr []byte) (uint16, bool) {
	idx := bytes.Index(atr, pcscStorageRID)
	if idx < 0 || len(atr) < idx+len(pcscStorageRID)+3 {
		return 0, false
	}
	nameIdx := idx + len(pcscStorageRID) + 1 // skip the standard byte
	return uint16(atr[nameIdx])<<8 | uint16(atr[nameIdx+1]), true
}

// GetCardInfo connects to the reader, reads the UID and ATR, and detects
// the card capacity. fallback is reported when the ATR is not conclusive.
func GetCardInfo(ctx context.Context, factory ContextFactory, readerName string, fallback classic.Capacity) (*CardInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess, err := connect(factory, readerName)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	status, err := sess.card.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to get card status: %w", err)
	}

	uid, err := classic.GetUID(sess)
	if err != nil {
		return nil, err
	}

	info := &CardInfo{
		Reader: readerName,
		UID:    hex.EncodeToString(uid),
		ATR:    hex.EncodeToString(status.Atr),
	}

	capacity, typeName, ok := DetectCapacity(status.Atr)
	info.Type = typeName
	info.Identified = identified(status.Atr)
	if ok {
		info.Supported = true
	} else {
		capacity = fallback
		if info.Type == "" {
			info.Type = "unknown"
		}
	}
	info.Capacity = capacity.String()
	info.WritableBlocks = len(classic.WritableBlocks(capacity))
	info.Size = capacity.MaxPayload()

	logging.Debug(logging.CatCard, "Card detected", map[string]any{
		"reader":   readerName,
		"uid":      info.UID,
		"atr":      info.ATR,
		"type":     info.Type,
		"capacity": info.Capacity,
		"detected": ok,
	})
	return info, nil
}
