package api

import (
	"context"
	"sync"
	"time"

	"github.com/SimplyPrint/mifare-agent/internal/classic"
	"github.com/SimplyPrint/mifare-agent/internal/core"
)

// mockOps records requests and answers with canned results.
type mockOps struct {
	mu sync.Mutex

	readers     []core.Reader
	info        *core.CardInfo
	infoErr     error
	readResult  *classic.ReadResult
	writeResult *classic.WriteResult
	blocks      map[int][]byte
	err         error // returned by every card operation when set

	lastReader string
	lastRead   core.ReadRequest
	lastWrite  core.WriteRequest
	lastBlock  int
	calls      int
}

func newMockOps() *mockOps {
	data := make([]byte, classic.Classic4K.MaxPayload())
	copy(data, "HELLO")
	return &mockOps{
		readers: []core.Reader{
			{ID: "0", Name: "ACS ACR122U PICC Interface", Type: "picc"},
			{ID: "1", Name: "ACS ACR1252 1S CL Reader SAM 0", Type: "sam"},
		},
		info: &core.CardInfo{
			Reader:         "ACS ACR122U PICC Interface",
			UID:            "04A1B2C3",
			Type:           "MIFARE Classic 4K",
			Capacity:       "4k",
			Size:           classic.Classic4K.MaxPayload(),
			WritableBlocks: len(classic.WritableBlocks(classic.Classic4K)),
			Supported:      true,
		},
		readResult:  &classic.ReadResult{Data: data, BlocksRead: 215},
		writeResult: &classic.WriteResult{BlocksWritten: 1},
		blocks:      make(map[int][]byte),
	}
}

func (m *mockOps) setInfo(info *core.CardInfo, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info, m.infoErr = info, err
}

func (m *mockOps) ListReaders() []core.Reader {
	return m.readers
}

func (m *mockOps) GetCardInfo(ctx context.Context, readerName string) (*core.CardInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastReader = readerName
	if m.infoErr != nil {
		return nil, m.infoErr
	}
	return m.info, m.err
}

func (m *mockOps) ReadAll(ctx context.Context, readerName string, req core.ReadRequest) (*classic.ReadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastReader, m.lastRead = readerName, req
	if m.err != nil {
		return nil, m.err
	}
	return m.readResult, nil
}

func (m *mockOps) WriteAll(ctx context.Context, readerName string, req core.WriteRequest) (*classic.WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastReader, m.lastWrite = readerName, req
	if m.err != nil {
		return nil, m.err
	}
	return m.writeResult, nil
}

func (m *mockOps) ReadBlock(ctx context.Context, readerName string, block int, req core.ReadRequest) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastReader, m.lastRead, m.lastBlock = readerName, req, block
	if m.err != nil {
		return nil, m.err
	}
	if err := checkBlock(block); err != nil {
		return nil, err
	}
	if data, ok := m.blocks[block]; ok {
		return data, nil
	}
	return make([]byte, classic.BlockSize), nil
}

func (m *mockOps) WriteBlock(ctx context.Context, readerName string, block int, data []byte, req core.ReadRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastReader, m.lastRead, m.lastBlock = readerName, req, block
	if m.err != nil {
		return m.err
	}
	if err := checkBlock(block); err != nil {
		return err
	}
	m.blocks[block] = append([]byte(nil), data...)
	return nil
}

func checkBlock(block int) error {
	if !classic.Classic4K.ValidBlock(block) {
		return classic.ErrInvalidBlock
	}
	if block == 0 || classic.IsTrailer(block, classic.Classic4K) {
		return classic.ErrReservedBlock
	}
	return nil
}

func (m *mockOps) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestServer(ops *mockOps) *Server {
	return NewServer(ops, classic.DefaultCredentials(), time.Second)
}
