package classic

import (
	"fmt"
)

// ReadBlock reads one block from an already authenticated sector. The
// returned slice is exactly BlockSize bytes. Any failure is returned as an
// error and no data is returned with it.
func ReadBlock(card Transceiver, block int) ([]byte, error) {
	if block < 0 || block > 0xFF {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBlock, block)
	}
	data, sw, err := exchange(card, "read block", ReadBlockCommand{Block: byte(block)})
	if err != nil {
		return nil, err
	}
	if !sw.OK() {
		return nil, &StatusError{Op: "read", Block: block, SW: sw}
	}
	if len(data) < BlockSize {
		return nil, &TransportError{Op: "read block", Err: fmt.Errorf("block %d: got %d data bytes, want %d", block, len(data), BlockSize)}
	}
	out := make([]byte, BlockSize)
	copy(out, data[:BlockSize])
	return out, nil
}

// writeRaw sends the write command for block and returns the status word
// without interpreting it.
func writeRaw(card Transceiver, block int, data []byte) (StatusWord, error) {
	cmd := WriteBlockCommand{Block: byte(block)}
	copy(cmd.Data[:], data)
	_, sw, err := exchange(card, "write block", cmd)
	return sw, err
}

// WriteBlock authenticates the sector holding block with the key loaded into
// slot, then writes data to it. data must be exactly BlockSize bytes. Authentication and write
// status words are both checked.
func WriteBlock(card Transceiver, capacity Capacity, block int, data []byte, keyType KeyType, slot byte, key Key) error {
	if !capacity.ValidBlock(block) {
		return fmt.Errorf("%w: %d", ErrInvalidBlock, block)
	}
	if !IsWritable(block, capacity) {
		return fmt.Errorf("%w: block %d is the UID block or a sector trailer", ErrReservedBlock, block)
	}
	if len(data) != BlockSize {
		return fmt.Errorf("data must be exactly %d bytes, got %d", BlockSize, len(data))
	}
	if err := Authenticate(card, SectorOf(block, capacity), keyType, slot, key); err != nil {
		return err
	}
	sw, err := writeRaw(card, block, data)
	if err != nil {
		return err
	}
	if !sw.OK() {
		return &StatusError{Op: "write", Block: block, SW: sw}
	}
	return nil
}

// ReadSingleBlock authenticates the sector holding block and reads it.
// The UID block may be read; sector trailers may not.
func ReadSingleBlock(card Transceiver, capacity Capacity, block int, keyType KeyType, slot byte, key Key) ([]byte, error) {
	if !capacity.ValidBlock(block) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBlock, block)
	}
	if IsTrailer(block, capacity) {
		return nil, fmt.Errorf("%w: block %d is a sector trailer", ErrReservedBlock, block)
	}
	if err := Authenticate(card, SectorOf(block, capacity), keyType, slot, key); err != nil {
		return nil, err
	}
	return ReadBlock(card, block)
}

// GetUID returns the card UID reported by the reader.
func GetUID(card Transceiver) ([]byte, error) {
	data, sw, err := exchange(card, "get uid", GetUIDCommand{})
	if err != nil {
		return nil, err
	}
	if !sw.OK() || len(data) == 0 {
		return nil, &StatusError{Op: "get uid", Block: -1, SW: sw}
	}
	return data, nil
}
