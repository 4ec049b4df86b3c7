package core

import (
	"context"
	"time"

	"github.com/SimplyPrint/mifare-agent/internal/classic"
)

// SmartCardContext represents a PC/SC context for listing readers
type SmartCardContext interface {
	ListReaders() ([]string, error)
	Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error)
	// CardPresent blocks for up to timeout waiting for the reader state to
	// report a card.
	CardPresent(reader string, timeout time.Duration) (bool, error)
	Release() error
}

// SmartCard represents a connected smart card for transmitting commands
type SmartCard interface {
	Transmit(cmd []byte) ([]byte, error)
	Status() (SmartCardStatus, error)
	Disconnect(disposition uint32) error
}

// SmartCardStatus represents the status of a smart card
type SmartCardStatus struct {
	Reader         string
	State          uint32
	ActiveProtocol uint32
	Atr            []byte
}

// ContextFactory creates SmartCardContext instances
// This allows for dependency injection and mocking in tests
type ContextFactory interface {
	EstablishContext() (SmartCardContext, error)
}

// DefaultContextFactory is the production factory that uses real PC/SC
type DefaultContextFactory struct{}

// CardOperations defines the MIFARE Classic operations exposed over the API
// and CLI. Used for dependency injection and mocking in tests.
type CardOperations interface {
	GetCardInfo(ctx context.Context, readerName string) (*CardInfo, error)
	ReadAll(ctx context.Context, readerName string, req ReadRequest) (*classic.ReadResult, error)
	WriteAll(ctx context.Context, readerName string, req WriteRequest) (*classic.WriteResult, error)
	ReadBlock(ctx context.Context, readerName string, block int, req ReadRequest) ([]byte, error)
	WriteBlock(ctx context.Context, readerName string, block int, data []byte, req ReadRequest) error
}

// ReaderOperations defines the interface for reader-related operations
type ReaderOperations interface {
	ListReaders() []Reader
}
