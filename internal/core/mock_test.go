package core

import (
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// MockSmartCardContext implements SmartCardContext for testing
type MockSmartCardContext struct {
	mu          sync.Mutex
	readers     []string
	cards       map[string]*MockSmartCard
	shouldError bool
	errorMsg    string

	// presentAfter is the number of CardPresent polls that report no card.
	presentAfter int
	polls        int

	connects int
	releases int
}

// MockSmartCard implements SmartCard for testing
type MockSmartCard struct {
	mu           sync.Mutex
	atr          []byte
	uid          []byte
	cardType     string
	blocks       map[byte][]byte
	authFail     map[byte]bool     // auth anchor blocks that refuse every key
	responses    map[string][]byte // command hex -> response
	shouldError  bool
	errorMsg     string
	disconnected bool
	disconnects  int
}

// mockFactory hands out the same mock context on every EstablishContext.
type mockFactory struct {
	ctx *MockSmartCardContext
	err error
}

func (f *mockFactory) EstablishContext() (SmartCardContext, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ctx, nil
}

// NewMockContext creates a new mock context with predefined readers
func NewMockContext() *MockSmartCardContext {
	return &MockSmartCardContext{
		readers: []string{
			"ACS ACR122U PICC Interface",
			"ACS ACR1252 1S CL Reader SAM 0",
			"Identiv uTrust 3700 F CL Reader",
		},
		cards: make(map[string]*MockSmartCard),
	}
}

// WithReaders sets the readers for the mock context
func (m *MockSmartCardContext) WithReaders(readers []string) *MockSmartCardContext {
	m.readers = readers
	return m
}

// WithCard adds a mock card to a specific reader
func (m *MockSmartCardContext) WithCard(readerName string, card *MockSmartCard) *MockSmartCardContext {
	m.cards[readerName] = card
	return m
}

// WithError makes the context return errors
func (m *MockSmartCardContext) WithError(msg string) *MockSmartCardContext {
	m.shouldError = true
	m.errorMsg = msg
	return m
}

func (m *MockSmartCardContext) ListReaders() ([]string, error) {
	if m.shouldError {
		return nil, errors.New(m.errorMsg)
	}
	return m.readers, nil
}

func (m *MockSmartCardContext) Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shouldError {
		return nil, errors.New(m.errorMsg)
	}
	card, ok := m.cards[reader]
	if !ok {
		return nil, errors.New("no card present")
	}
	m.connects++
	card.mu.Lock()
	card.disconnected = false
	card.mu.Unlock()
	return card, nil
}

func (m *MockSmartCardContext) CardPresent(reader string, timeout time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shouldError {
		return false, errors.New(m.errorMsg)
	}
	m.polls++
	if m.polls <= m.presentAfter {
		return false, nil
	}
	_, ok := m.cards[reader]
	return ok, nil
}

func (m *MockSmartCardContext) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
	return nil
}

// NewMockCard creates a mock card with realistic data
func NewMockCard(cardType string) *MockSmartCard {
	card := &MockSmartCard{
		blocks:    make(map[byte][]byte),
		authFail:  make(map[byte]bool),
		responses: make(map[string][]byte),
	}

	switch cardType {
	case "MIFARE Classic 1K":
		card.atr, _ = hex.DecodeString("3b8f8001804f0ca000000306030001000000006a")
		card.uid, _ = hex.DecodeString("932bae0e")
	case "MIFARE Classic 4K":
		card.atr, _ = hex.DecodeString("3b8f8001804f0ca0000003060300020000000069")
		card.uid, _ = hex.DecodeString("a4c2b91f")
	case "MIFARE Plus 2K":
		card.atr, _ = hex.DecodeString("3b8f8001804f0ca000000306030036000000005d")
		card.uid, _ = hex.DecodeString("04e15a2a9c3f80")
	case "NTAG215":
		card.atr, _ = hex.DecodeString("3b8f8001804f0ca0000003060300030000000068")
		card.uid, _ = hex.DecodeString("04635d6bc22a81")
	default:
		card.atr, _ = hex.DecodeString("3b8180018080")
		card.uid, _ = hex.DecodeString("04000000000000")
	}
	card.cardType = cardType

	// GET UID command response
	card.responses["ffca000000"] = append(append([]byte{}, card.uid...), 0x90, 0x00)

	return card
}

// WithAuthFailure makes authentication anchored on block fail.
func (m *MockSmartCard) WithAuthFailure(block byte) *MockSmartCard {
	m.authFail[block] = true
	return m
}

// WithError makes the card return errors
func (m *MockSmartCard) WithError(msg string) *MockSmartCard {
	m.shouldError = true
	m.errorMsg = msg
	return m
}

func (m *MockSmartCard) Transmit(cmd []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shouldError {
		return nil, errors.New(m.errorMsg)
	}

	if m.disconnected {
		return nil, errors.New("card disconnected")
	}

	// Look up response by command hex
	if resp, ok := m.responses[hex.EncodeToString(cmd)]; ok {
		return resp, nil
	}

	if len(cmd) < 5 || cmd[0] != 0xFF {
		return []byte{0x6A, 0x81}, nil
	}

	switch cmd[1] {
	case 0x82: // load key
		return []byte{0x90, 0x00}, nil
	case 0x86: // authenticate
		if len(cmd) == 10 && m.authFail[cmd[7]] {
			return []byte{0x63, 0x00}, nil
		}
		return []byte{0x90, 0x00}, nil
	case 0xD6: // write block
		m.blocks[cmd[3]] = append([]byte{}, cmd[5:]...)
		return []byte{0x90, 0x00}, nil
	case 0xB0: // read block
		data := make([]byte, int(cmd[4]))
		copy(data, m.blocks[cmd[3]])
		return append(data, 0x90, 0x00), nil
	}

	// Default: command not supported
	return []byte{0x6A, 0x81}, nil
}

func (m *MockSmartCard) Status() (SmartCardStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shouldError {
		return SmartCardStatus{}, errors.New(m.errorMsg)
	}

	return SmartCardStatus{
		Reader:         "Mock Reader",
		State:          0,
		ActiveProtocol: 1,
		Atr:            m.atr,
	}, nil
}

func (m *MockSmartCard) Disconnect(disposition uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
	m.disconnects++
	return nil
}

// Block returns a copy of a stored block.
func (m *MockSmartCard) Block(block byte) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte{}, m.blocks[block]...)
}
