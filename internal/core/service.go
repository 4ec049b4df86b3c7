package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/SimplyPrint/mifare-agent/internal/classic"
	"github.com/SimplyPrint/mifare-agent/internal/logging"
)

// Config holds the defaults applied when a request leaves a field empty.
type Config struct {
	// Capacity is used when the request names none and the ATR does not
	// identify the card.
	Capacity classic.Capacity
	// DetectCapacity reads the ATR before each whole-card operation.
	DetectCapacity bool
	Options        classic.Options
}

// DefaultConfig returns a 4K default with detection enabled.
func DefaultConfig() Config {
	return Config{
		Capacity:       classic.Classic4K,
		DetectCapacity: true,
		Options:        classic.DefaultOptions(),
	}
}

// ReadRequest carries the per-operation parameters. An empty Capacity means
// detect it (when enabled) or use the configured default.
type ReadRequest struct {
	Credentials classic.Credentials
	Capacity    string
}

// WriteRequest is a ReadRequest plus the payload to store.
type WriteRequest struct {
	ReadRequest
	Payload    []byte
	ClearFirst bool
}

type cardKey struct {
	reader   string
	capacity classic.Capacity
}

// Service runs MIFARE Classic operations against PC/SC readers. It keeps
// one classic.Card per reader and capacity so operations on the same card
// are serialised.
type Service struct {
	factory ContextFactory
	cfg     Config

	mu    sync.Mutex
	cards map[cardKey]*classic.Card
}

// NewService returns a Service using factory for every PC/SC context.
func NewService(factory ContextFactory, cfg Config) *Service {
	if factory == nil {
		factory = DefaultContextFactory{}
	}
	return &Service{
		factory: factory,
		cfg:     cfg,
		cards:   make(map[cardKey]*classic.Card),
	}
}

// ListReaders returns the connected readers. Errors are logged and reported
// as an empty list.
func (s *Service) ListReaders() []Reader {
	readers, err := ListReaders(s.factory)
	if err != nil {
		logging.Warn(logging.CatReader, "Failed to list readers", map[string]any{
			"error": err.Error(),
		})
		return []Reader{}
	}
	return readers
}

// WaitForCard blocks until a card is on readerName or ctx is done.
func (s *Service) WaitForCard(ctx context.Context, readerName string) error {
	return WaitForCard(ctx, s.factory, readerName)
}

// GetCardInfo returns UID, ATR and detected capacity for the card on
// readerName.
func (s *Service) GetCardInfo(ctx context.Context, readerName string) (*CardInfo, error) {
	return GetCardInfo(ctx, s.factory, readerName, s.cfg.Capacity)
}

func (s *Service) card(readerName string, capacity classic.Capacity) *classic.Card {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := cardKey{reader: readerName, capacity: capacity}
	if c, ok := s.cards[key]; ok {
		return c
	}
	c := classic.NewCard(ReaderConnector{Factory: s.factory, Reader: readerName}, capacity, s.cfg.Options)
	s.cards[key] = c
	return c
}

// resolveCapacity picks the capacity for one operation: the request's
// explicit value, then the ATR, then the configured default. The default
// only stands in for cards the ATR does not name; a named family other than
// 2K or 4K is refused with ErrUnsupportedCard.
func (s *Service) resolveCapacity(ctx context.Context, readerName, requested string) (classic.Capacity, error) {
	if requested != "" {
		return classic.ParseCapacity(requested)
	}
	if !s.cfg.DetectCapacity {
		return s.cfg.Capacity, nil
	}
	info, err := s.GetCardInfo(ctx, readerName)
	if err != nil {
		return 0, err
	}
	if info.Identified && !info.Supported {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedCard, info.Type)
	}
	return classic.ParseCapacity(info.Capacity)
}

// ReadAll reads every writable block of the card on readerName.
func (s *Service) ReadAll(ctx context.Context, readerName string, req ReadRequest) (*classic.ReadResult, error) {
	capacity, err := s.resolveCapacity(ctx, readerName, req.Capacity)
	if err != nil {
		return nil, err
	}
	return s.card(readerName, capacity).ReadAll(ctx, req.Credentials)
}

// WriteAll stores req.Payload across the card's writable blocks.
func (s *Service) WriteAll(ctx context.Context, readerName string, req WriteRequest) (*classic.WriteResult, error) {
	capacity, err := s.resolveCapacity(ctx, readerName, req.Capacity)
	if err != nil {
		return nil, err
	}
	return s.card(readerName, capacity).WriteAll(ctx, req.Payload, req.Credentials, req.ClearFirst)
}

// ReadBlock reads a single block.
func (s *Service) ReadBlock(ctx context.Context, readerName string, block int, req ReadRequest) ([]byte, error) {
	capacity, err := s.blockCapacity(req.Capacity)
	if err != nil {
		return nil, err
	}
	return s.card(readerName, capacity).ReadBlock(ctx, block, req.Credentials)
}

// WriteBlock writes a single 16-byte block.
func (s *Service) WriteBlock(ctx context.Context, readerName string, block int, data []byte, req ReadRequest) error {
	capacity, err := s.blockCapacity(req.Capacity)
	if err != nil {
		return err
	}
	return s.card(readerName, capacity).WriteBlock(ctx, block, data, req.Credentials)
}

// blockCapacity is the request's capacity or the configured default.
// Single-block operations never read the ATR.
func (s *Service) blockCapacity(requested string) (classic.Capacity, error) {
	if requested != "" {
		return classic.ParseCapacity(requested)
	}
	return s.cfg.Capacity, nil
}
