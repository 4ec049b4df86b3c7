package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/SimplyPrint/mifare-agent/internal/classic"
	"github.com/SimplyPrint/mifare-agent/internal/logging"
)

// Reader describes a PC/SC reader slot.
type Reader struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"` // "picc", "sam" or "other"
}

// readerType guesses the slot type from the name the driver reports.
func readerType(name string) string {
	upper := strings.ToUpper(name)
	switch {
	case strings.Contains(upper, "SAM"):
		return "sam"
	case strings.Contains(upper, "PICC"),
		strings.Contains(upper, "CONTACTLESS"),
		strings.Contains(upper, " CL "),
		strings.HasSuffix(upper, " CL"):
		return "picc"
	default:
		return "other"
	}
}

// ListReaders returns the readers known to the PC/SC service, in the order
// the service reports them. The ID is the index used by the API routes.
func ListReaders(factory ContextFactory) ([]Reader, error) {
	ctx, err := factory.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish context: %w", err)
	}
	defer ctx.Release()

	names, err := ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("failed to list readers: %w", err)
	}

	readers := make([]Reader, 0, len(names))
	for i, name := range names {
		readers = append(readers, Reader{
			ID:   strconv.Itoa(i),
			Name: name,
			Type: readerType(name),
		})
	}
	return readers, nil
}

// ErrNoCard is returned by WaitForCard when ctx ends before a card appears.
var ErrNoCard = errors.New("no card detected")

// WaitForCard polls the reader until a card is present or ctx is done.
func WaitForCard(ctx context.Context, factory ContextFactory, readerName string) error {
	pctx, err := factory.EstablishContext()
	if err != nil {
		return fmt.Errorf("failed to establish context: %w", err)
	}
	defer pctx.Release()

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrNoCard, err)
		}
		present, err := pctx.CardPresent(readerName, time.Second)
		if err != nil {
			return fmt.Errorf("failed to get status change: %w", err)
		}
		if present {
			return nil
		}
	}
}

// session is a connected card plus the context that owns it.
type session struct {
	ctx    SmartCardContext
	card   SmartCard
	reader string
}

func (s *session) Transmit(cmd []byte) ([]byte, error) {
	return s.card.Transmit(cmd)
}

// Close leaves the card powered and releases the context.
func (s *session) Close() error {
	return errors.Join(s.card.Disconnect(leaveCard), s.ctx.Release())
}

// connect opens a shared connection to the card on readerName.
func connect(factory ContextFactory, readerName string) (*session, error) {
	ctx, err := factory.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish context: %w", err)
	}
	card, err := ctx.Connect(readerName, shareShared, protocolAny)
	if err != nil {
		ctx.Release()
		logging.Debug(logging.CatReader, "Connect failed", map[string]any{
			"reader": readerName,
			"error":  err.Error(),
		})
		return nil, fmt.Errorf("failed to connect to reader: %w", err)
	}
	return &session{ctx: ctx, card: card, reader: readerName}, nil
}

// ReaderConnector opens a classic.Session on a named reader.
type ReaderConnector struct {
	Factory ContextFactory
	Reader  string
}

// Connect implements classic.Connector.
func (c ReaderConnector) Connect(ctx context.Context) (classic.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return connect(c.Factory, c.Reader)
}
