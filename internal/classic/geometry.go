package classic

import (
	"fmt"
	"strings"
)

// Capacity identifies the MIFARE Classic variant. It carries every
// per-variant constant so geometry code never branches on 2K vs 4K itself.
type Capacity int

const (
	Classic2K Capacity = iota
	Classic4K
)

const (
	// BlockSize is the number of data bytes in every block.
	BlockSize = 16

	// Sectors 0-31 have 4 blocks, sectors 32-39 (4K only) have 16.
	smallSectorCount  = 32
	smallSectorBlocks = 4
	largeSectorBlocks = 16
	largeSectorStart  = smallSectorCount * smallSectorBlocks // block 128

	// uidBlock holds the manufacturer data and UID.
	uidBlock = 0
)

// String returns the short name used in config files and the API.
func (c Capacity) String() string {
	switch c {
	case Classic2K:
		return "2k"
	case Classic4K:
		return "4k"
	default:
		return fmt.Sprintf("Capacity(%d)", int(c))
	}
}

// ParseCapacity accepts "2k"/"4k" (case-insensitive, with or without a
// "classic" prefix).
func ParseCapacity(s string) (Capacity, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "classic") {
	case "2k", "2048":
		return Classic2K, nil
	case "4k", "4096":
		return Classic4K, nil
	}
	return 0, fmt.Errorf("%w %q (want 2k or 4k)", ErrUnknownCapacity, s)
}

// SectorCount returns the number of sectors: 32 for 2K, 40 for 4K.
func (c Capacity) SectorCount() int {
	if c == Classic4K {
		return 40
	}
	return smallSectorCount
}

// BlockCount returns the size of the block index range scanned for this
// capacity: 0..128 inclusive for 2K, 0..255 for 4K. On 2K the range ends on
// the first block of sector 32, which is addressed like any other data block.
func (c Capacity) BlockCount() int {
	if c == Classic4K {
		return 256
	}
	return largeSectorStart + 1
}

// Valid reports whether c is one of the known variants.
func (c Capacity) Valid() bool {
	return c == Classic2K || c == Classic4K
}

// ValidBlock reports whether block lies in the scanned range for c.
func (c Capacity) ValidBlock(block int) bool {
	return block >= 0 && block < c.BlockCount()
}

// lastSector returns the highest sector touched by the scanned block range:
// 32 for 2K (block 128 only) and 39 for 4K.
func (c Capacity) lastSector() int {
	return SectorOf(c.BlockCount()-1, c)
}

// SectorOf returns the sector containing block.
func SectorOf(block int, capacity Capacity) int {
	if block < largeSectorStart {
		return block / smallSectorBlocks
	}
	return smallSectorCount + (block-largeSectorStart)/largeSectorBlocks
}

// FirstBlockOfSector returns the first block of sector. It is the anchor
// block used for authentication.
func FirstBlockOfSector(sector int) int {
	if sector < smallSectorCount {
		return sector * smallSectorBlocks
	}
	return largeSectorStart + (sector-smallSectorCount)*largeSectorBlocks
}

// BlocksInSector returns 4 or 16.
func BlocksInSector(sector int) int {
	if sector < smallSectorCount {
		return smallSectorBlocks
	}
	return largeSectorBlocks
}

// IsTrailer reports whether block is the last block of its sector.
func IsTrailer(block int, capacity Capacity) bool {
	sector := SectorOf(block, capacity)
	return block == FirstBlockOfSector(sector)+BlocksInSector(sector)-1
}

// IsWritable reports whether block may hold payload data. The UID block and
// every sector trailer are reserved. All other writability checks must go
// through this function.
func IsWritable(block int, capacity Capacity) bool {
	if !capacity.ValidBlock(block) || block == uidBlock {
		return false
	}
	return !IsTrailer(block, capacity)
}

// WritableBlocks returns the ascending list of blocks usable for payload
// storage on capacity.
func WritableBlocks(capacity Capacity) []int {
	blocks := make([]int, 0, capacity.BlockCount())
	for b := 0; b < capacity.BlockCount(); b++ {
		if IsWritable(b, capacity) {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

// MaxPayload returns the number of payload bytes a card of this capacity
// can hold.
func (c Capacity) MaxPayload() int {
	return len(WritableBlocks(c)) * BlockSize
}
