package classic

import (
	"bytes"
	"context"
	"errors"
)

// virtualCard emulates a MIFARE Classic card behind a PC/SC reader. It keeps
// block memory, per-sector keys and the current authentication state, and
// records every command it receives.
type virtualCard struct {
	capacity Capacity
	mem      [256][BlockSize]byte
	uid      []byte

	keysA  map[int]Key
	keysB  map[int]Key
	refuse map[int]bool // sectors that refuse any key

	slots      map[byte]Key
	authSector int

	failLoadKey bool
	failRead    map[int]bool
	lockOnFail  bool // a failed read makes its sector refuse further keys
	failWrite   map[int]bool
	failAt      int // 1-based transmit index that returns a transport error

	transcript [][]byte
	closed     int
}

var errReaderGone = errors.New("reader removed")

func newVirtualCard(capacity Capacity) *virtualCard {
	return &virtualCard{
		capacity:   capacity,
		uid:        []byte{0x04, 0xA1, 0xB2, 0xC3},
		keysA:      make(map[int]Key),
		keysB:      make(map[int]Key),
		refuse:     make(map[int]bool),
		slots:      make(map[byte]Key),
		authSector: -1,
		failRead:   make(map[int]bool),
		failWrite:  make(map[int]bool),
	}
}

func okResponse(data ...byte) []byte { return append(data, 0x90, 0x00) }

func statusOnly(sw StatusWord) []byte { return []byte{byte(sw >> 8), byte(sw)} }

func (v *virtualCard) sectorKey(sector int, keyType KeyType) Key {
	keys := v.keysA
	if keyType == KeyB {
		keys = v.keysB
	}
	if k, found := keys[sector]; found {
		return k
	}
	return DefaultKey
}

func (v *virtualCard) Transmit(cmd []byte) ([]byte, error) {
	v.transcript = append(v.transcript, append([]byte(nil), cmd...))
	if v.failAt > 0 && len(v.transcript) == v.failAt {
		return nil, errReaderGone
	}
	if len(cmd) < 5 || cmd[0] != claReader {
		return statusOnly(StatusFunctionNotSupport), nil
	}

	switch cmd[1] {
	case insLoadKey:
		if v.failLoadKey || len(cmd) != 11 {
			return statusOnly(StatusOperationFailed), nil
		}
		var k Key
		copy(k[:], cmd[5:11])
		v.slots[cmd[3]] = k
		return okResponse(), nil

	case insAuthenticate:
		block := int(cmd[7])
		keyType := KeyType(cmd[8])
		key, loaded := v.slots[cmd[9]]
		v.authSector = -1
		if !v.capacity.ValidBlock(block) || !loaded {
			return statusOnly(StatusOperationFailed), nil
		}
		sector := SectorOf(block, v.capacity)
		if v.refuse[sector] || key != v.sectorKey(sector, keyType) {
			return statusOnly(StatusOperationFailed), nil
		}
		v.authSector = sector
		return okResponse(), nil

	case insReadBinary:
		block := int(cmd[3])
		if !v.capacity.ValidBlock(block) || SectorOf(block, v.capacity) != v.authSector {
			v.authSector = -1
			return statusOnly(StatusSecurityNotSatisfy), nil
		}
		if v.failRead[block] {
			if v.lockOnFail {
				v.refuse[v.authSector] = true
			}
			v.authSector = -1
			return statusOnly(StatusOperationFailed), nil
		}
		return okResponse(v.mem[block][:]...), nil

	case insUpdateBinary:
		block := int(cmd[3])
		if len(cmd) != 5+BlockSize {
			return statusOnly(StatusWrongLength), nil
		}
		if !v.capacity.ValidBlock(block) || SectorOf(block, v.capacity) != v.authSector {
			v.authSector = -1
			return statusOnly(StatusSecurityNotSatisfy), nil
		}
		if v.failWrite[block] {
			v.authSector = -1
			return statusOnly(StatusOperationFailed), nil
		}
		copy(v.mem[block][:], cmd[5:])
		return okResponse(), nil

	case insGetData:
		return okResponse(v.uid...), nil
	}
	return statusOnly(StatusFunctionNotSupport), nil
}

func (v *virtualCard) Close() error {
	v.closed++
	return nil
}

func (v *virtualCard) connector() Connector {
	return ConnectorFunc(func(ctx context.Context) (Session, error) {
		return v, nil
	})
}

// commands returns the recorded commands with the given instruction byte.
func (v *virtualCard) commands(ins byte) [][]byte {
	var out [][]byte
	for _, c := range v.transcript {
		if len(c) > 1 && c[1] == ins {
			out = append(out, c)
		}
	}
	return out
}

// authsFor counts authenticate commands anchored on the given block.
func (v *virtualCard) authsFor(block int) int {
	n := 0
	for _, c := range v.commands(insAuthenticate) {
		if int(c[7]) == block {
			n++
		}
	}
	return n
}

// writesTo reports whether a write command for block was sent.
func (v *virtualCard) writesTo(block int) bool {
	for _, c := range v.commands(insUpdateBinary) {
		if int(c[3]) == block {
			return true
		}
	}
	return false
}

// fill stores a recognisable pattern in every writable block.
func (v *virtualCard) fill() {
	for _, b := range WritableBlocks(v.capacity) {
		for i := range v.mem[b] {
			v.mem[b][i] = byte(b)
		}
	}
}

func isZero(b []byte) bool {
	return bytes.Count(b, []byte{0}) == len(b)
}
