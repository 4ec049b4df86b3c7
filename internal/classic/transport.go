package classic

import (
	"context"
	"encoding/hex"

	"github.com/SimplyPrint/mifare-agent/internal/logging"
)

// Transceiver sends a raw APDU and returns the raw response including the
// trailing status word. It is satisfied by a connected PC/SC card.
type Transceiver interface {
	Transmit(cmd []byte) ([]byte, error)
}

// Session is a connected card that can be released.
type Session interface {
	Transceiver
	Close() error
}

// Connector opens a transport session for one orchestrated operation.
type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context) (Session, error)

func (f ConnectorFunc) Connect(ctx context.Context) (Session, error) { return f(ctx) }

// exchange transmits cmd and splits off the status word. Transmit failures
// and malformed responses come back as *TransportError.
func exchange(card Transceiver, op string, cmd Command) ([]byte, StatusWord, error) {
	raw := cmd.Bytes()
	rsp, err := card.Transmit(raw)
	if err != nil {
		return nil, 0, &TransportError{Op: op, Err: err}
	}
	data, sw, err := splitResponse(rsp)
	if err != nil {
		return nil, 0, &TransportError{Op: op, Err: err}
	}
	if !sw.OK() {
		logging.Debug(logging.CatCard, "APDU returned error status", map[string]any{
			"op":     op,
			"header": hex.EncodeToString(raw[:5]), // key bytes stay out of the log
			"status": sw.String(),
		})
	}
	return data, sw, nil
}

// checkContext is called before every exchange so a cancelled operation stops
// between commands rather than mid-frame.
func checkContext(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: op, Err: err}
	}
	return nil
}
