package classic

// Authenticate loads key into the reader's key slot and authenticates sector
// against the sector's first block. It returns nil on success, an *AuthError
// when the reader or card answers with a non-success status, or a
// *TransportError when the exchange itself fails.
//
// A failed key load returns immediately; no authenticate command is sent.
// Only reader-side volatile key memory is changed.
func Authenticate(card Transceiver, sector int, keyType KeyType, slot byte, key Key) error {
	_, sw, err := exchange(card, "load key", LoadKeyCommand{Slot: slot, Key: key})
	if err != nil {
		return err
	}
	if !sw.OK() {
		return &AuthError{Sector: sector, Step: "load key", SW: sw}
	}

	auth := AuthenticateCommand{
		Block:   byte(FirstBlockOfSector(sector)),
		KeyType: keyType,
		Slot:    slot,
	}
	_, sw, err = exchange(card, "authenticate", auth)
	if err != nil {
		return err
	}
	if !sw.OK() {
		return &AuthError{Sector: sector, Step: "authenticate", SW: sw}
	}
	return nil
}

// sectorAuth remembers the last authenticated sector so a pass over
// consecutive blocks authenticates each sector once.
type sectorAuth struct {
	card    Transceiver
	keyType KeyType
	slot    byte
	key     Key

	current int   // sector currently authenticated, -1 for none
	failed  error // result of the last attempt on current
}

func newSectorAuth(card Transceiver, keyType KeyType, slot byte, key Key) *sectorAuth {
	return &sectorAuth{card: card, keyType: keyType, slot: slot, key: key, current: -1}
}

// ensure authenticates sector unless it was the most recent sector tried,
// in which case the earlier outcome is returned.
func (a *sectorAuth) ensure(sector int) error {
	if a.current == sector {
		return a.failed
	}
	err := Authenticate(a.card, sector, a.keyType, a.slot, a.key)
	if IsTransportError(err) {
		a.current = -1
		return err
	}
	a.current = sector
	a.failed = err
	return err
}

// reset forgets the cached sector so the next ensure re-authenticates.
func (a *sectorAuth) reset() {
	a.current = -1
	a.failed = nil
}
