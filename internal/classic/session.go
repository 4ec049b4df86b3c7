package classic

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/SimplyPrint/mifare-agent/internal/logging"
)

// WritePolicy decides what WriteAll does when a sector refuses authentication.
type WritePolicy int

const (
	// WriteSkipSector skips every block of a sector whose authentication
	// failed and reports the sector in the result.
	WriteSkipSector WritePolicy = iota
	// WriteUnchecked ignores the authentication result and sends the write
	// anyway. The card will normally reject it with an error status.
	WriteUnchecked
)

func (p WritePolicy) String() string {
	switch p {
	case WriteSkipSector:
		return "skip-sector"
	case WriteUnchecked:
		return "unchecked"
	default:
		return fmt.Sprintf("WritePolicy(%d)", int(p))
	}
}

// ParseWritePolicy accepts "skip-sector" (default for "") or "unchecked".
func ParseWritePolicy(s string) (WritePolicy, error) {
	switch s {
	case "", "skip-sector", "skip":
		return WriteSkipSector, nil
	case "unchecked":
		return WriteUnchecked, nil
	}
	return 0, fmt.Errorf("unknown write policy %q (want skip-sector or unchecked)", s)
}

// Options tunes a Card. Use DefaultOptions as a starting point.
type Options struct {
	KeySlot byte
	Policy  WritePolicy
	// VerifyWrites checks the status word of every block write and reports
	// rejected blocks in WriteResult.FailedBlocks.
	VerifyWrites bool
}

// DefaultOptions returns key slot 0, WriteSkipSector and verified writes.
func DefaultOptions() Options {
	return Options{
		KeySlot:      DefaultKeySlot,
		Policy:       WriteSkipSector,
		VerifyWrites: true,
	}
}

// Credentials are the key and key type used for one operation.
type Credentials struct {
	Key     Key
	KeyType KeyType
}

// DefaultCredentials returns the factory key as Key A.
func DefaultCredentials() Credentials {
	return Credentials{Key: DefaultKey, KeyType: KeyA}
}

func (c Credentials) keyType() KeyType {
	if c.KeyType != KeyB {
		return KeyA
	}
	return KeyB
}

// ReadResult is the outcome of ReadAll. Data holds only the blocks that were
// read, in card order; Blocks[i] is the block number of the i-th BlockSize
// chunk of Data.
type ReadResult struct {
	Data           []byte `json:"-"`
	Blocks         []int  `json:"-"`
	BlocksRead     int    `json:"blocksRead"`
	SkippedSectors []int  `json:"skippedSectors"`
	FailedBlocks   []int  `json:"failedBlocks"`
}

// Complete reports whether every writable block was read.
func (r *ReadResult) Complete() bool {
	return len(r.SkippedSectors) == 0 && len(r.FailedBlocks) == 0
}

// Aligned returns the read data laid out over every writable block of
// capacity, so chunk i belongs to writable block i as WriteAll expects.
// Blocks that were not read are zero.
func (r *ReadResult) Aligned(capacity Capacity) []byte {
	writable := WritableBlocks(capacity)
	index := make(map[int]int, len(r.Blocks))
	for i, block := range r.Blocks {
		index[block] = i
	}

	out := make([]byte, len(writable)*BlockSize)
	for i, block := range writable {
		j, ok := index[block]
		if !ok || (j+1)*BlockSize > len(r.Data) {
			continue
		}
		copy(out[i*BlockSize:], r.Data[j*BlockSize:(j+1)*BlockSize])
	}
	return out
}

// WriteResult is the outcome of WriteAll.
type WriteResult struct {
	BlocksWritten  int   `json:"blocksWritten"`
	BlocksCleared  int   `json:"blocksCleared"`
	BlocksSkipped  int   `json:"blocksSkipped"` // distinct blocks, across clear and data passes
	SkippedSectors []int `json:"skippedSectors"`
	FailedBlocks   []int `json:"failedBlocks"`
	TruncatedBytes int   `json:"truncatedBytes"`

	skipped       map[int]bool // sectors
	skippedBlocks map[int]bool
}

// Complete reports whether every intended block write went through and no
// payload was truncated.
func (r *WriteResult) Complete() bool {
	return r.BlocksSkipped == 0 && len(r.FailedBlocks) == 0 && r.TruncatedBytes == 0
}

// skipBlock counts block as skipped unless an earlier pass already did. It
// reports whether the block is new.
func (r *WriteResult) skipBlock(block int) bool {
	if r.skippedBlocks == nil {
		r.skippedBlocks = make(map[int]bool)
	}
	if r.skippedBlocks[block] {
		return false
	}
	r.skippedBlocks[block] = true
	r.BlocksSkipped++
	return true
}

func (r *WriteResult) skipSector(sector int) {
	if r.skipped == nil {
		r.skipped = make(map[int]bool)
	}
	if !r.skipped[sector] {
		r.skipped[sector] = true
		r.SkippedSectors = append(r.SkippedSectors, sector)
		sort.Ints(r.SkippedSectors)
	}
}

// Card orchestrates whole-card operations on one reader. Capacity and the
// writable block set are fixed at construction. Operations on the same Card
// are serialised; each one opens its own session and always releases it.
type Card struct {
	mu        sync.Mutex
	connector Connector
	capacity  Capacity
	writable  []int
	opts      Options
}

// NewCard returns an orchestrator for a card of the given capacity.
func NewCard(connector Connector, capacity Capacity, opts Options) *Card {
	return &Card{
		connector: connector,
		capacity:  capacity,
		writable:  WritableBlocks(capacity),
		opts:      opts,
	}
}

// Capacity returns the card variant this orchestrator addresses.
func (c *Card) Capacity() Capacity { return c.capacity }

// WritableBlocks returns a copy of the writable block set.
func (c *Card) WritableBlocks() []int {
	out := make([]int, len(c.writable))
	copy(out, c.writable)
	return out
}

// open connects a session. The caller must defer c.release.
func (c *Card) open(ctx context.Context) (Session, error) {
	if err := checkContext(ctx, "connect"); err != nil {
		return nil, err
	}
	sess, err := c.connector.Connect(ctx)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}
	return sess, nil
}

func (c *Card) release(sess Session) {
	if err := sess.Close(); err != nil {
		logging.Warn(logging.CatCard, "Failed to release card session", map[string]any{
			"error": err.Error(),
		})
	}
}

// ReadAll authenticates every sector in turn and returns the concatenated
// contents of all writable blocks. Sectors that refuse authentication are
// left out of Data and listed in SkippedSectors. A block whose read fails
// is listed in FailedBlocks; if its sector then refuses to authenticate
// again, the sector's remaining blocks are listed there too. Transport
// failures abort the operation.
func (c *Card) ReadAll(ctx context.Context, creds Credentials) (*ReadResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	defer c.release(sess)

	result := &ReadResult{}
	blocks := make([][]byte, 0, len(c.writable))
	keyType := creds.keyType()

	for sector := 0; sector <= c.capacity.lastSector(); sector++ {
		if err := checkContext(ctx, "read"); err != nil {
			return nil, err
		}
		if err := Authenticate(sess, sector, keyType, c.opts.KeySlot, creds.Key); err != nil {
			if IsTransportError(err) {
				return nil, err
			}
			logging.Warn(logging.CatCard, "Sector authentication failed, skipping", map[string]any{
				"sector": sector,
				"error":  err.Error(),
			})
			result.SkippedSectors = append(result.SkippedSectors, sector)
			continue
		}

		first := FirstBlockOfSector(sector)
		end := first + BlocksInSector(sector)
		for block := first; block < end; block++ {
			if !IsWritable(block, c.capacity) {
				continue
			}
			if err := checkContext(ctx, "read"); err != nil {
				return nil, err
			}
			data, err := ReadBlock(sess, block)
			if err != nil {
				if IsTransportError(err) {
					return nil, err
				}
				result.FailedBlocks = append(result.FailedBlocks, block)
				// A failed command drops the card's authenticated state.
				if err := Authenticate(sess, sector, keyType, c.opts.KeySlot, creds.Key); err != nil {
					if IsTransportError(err) {
						return nil, err
					}
					logging.Warn(logging.CatCard, "Sector re-authentication failed, abandoning its remaining blocks", map[string]any{
						"sector": sector,
						"block":  block,
						"error":  err.Error(),
					})
					for rest := block + 1; rest < end; rest++ {
						if IsWritable(rest, c.capacity) {
							result.FailedBlocks = append(result.FailedBlocks, rest)
						}
					}
					break
				}
				continue
			}
			blocks = append(blocks, data)
			result.Blocks = append(result.Blocks, block)
			result.BlocksRead++
		}
	}

	result.Data = Reassemble(blocks)
	logging.Info(logging.CatCard, "Card read complete", map[string]any{
		"capacity":       c.capacity.String(),
		"blocksRead":     result.BlocksRead,
		"skippedSectors": result.SkippedSectors,
		"failedBlocks":   result.FailedBlocks,
	})
	return result, nil
}

// WriteAll stores payload across the writable block set, chunk i going to
// writable block i. With clearFirst every writable block is zeroed before the
// payload is written. Payload bytes beyond the card's capacity are dropped
// and counted in TruncatedBytes. Transport failures abort the operation.
func (c *Card) WriteAll(ctx context.Context, payload []byte, creds Credentials, clearFirst bool) (*WriteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	defer c.release(sess)

	result := &WriteResult{}
	chunks, truncated := Chunk(payload, len(c.writable))
	result.TruncatedBytes = truncated
	if truncated > 0 {
		logging.Warn(logging.CatCard, "Payload exceeds card capacity, truncating", map[string]any{
			"payloadBytes":   len(payload),
			"capacityBytes":  len(c.writable) * BlockSize,
			"truncatedBytes": truncated,
		})
	}

	auth := newSectorAuth(sess, creds.keyType(), c.opts.KeySlot, creds.Key)

	if clearFirst {
		zero := make([]byte, BlockSize)
		for _, block := range c.writable {
			ok, err := c.writeOne(ctx, auth, block, zero, result)
			if err != nil {
				return nil, err
			}
			if ok {
				result.BlocksCleared++
			}
		}
		auth.reset()
	}

	for i, chunk := range chunks {
		ok, err := c.writeOne(ctx, auth, c.writable[i], pad(chunk), result)
		if err != nil {
			return nil, err
		}
		if ok {
			result.BlocksWritten++
		}
	}

	logging.Info(logging.CatCard, "Card write complete", map[string]any{
		"capacity":       c.capacity.String(),
		"blocksWritten":  result.BlocksWritten,
		"blocksCleared":  result.BlocksCleared,
		"blocksSkipped":  result.BlocksSkipped,
		"skippedSectors": result.SkippedSectors,
		"truncatedBytes": result.TruncatedBytes,
	})
	return result, nil
}

// writeOne authenticates the block's sector if needed and writes data.
// It reports whether the block counts as written.
func (c *Card) writeOne(ctx context.Context, auth *sectorAuth, block int, data []byte, result *WriteResult) (bool, error) {
	if err := checkContext(ctx, "write"); err != nil {
		return false, err
	}
	sector := SectorOf(block, c.capacity)
	if err := auth.ensure(sector); err != nil {
		if IsTransportError(err) {
			return false, err
		}
		if c.opts.Policy == WriteSkipSector {
			if !result.skipped[sector] {
				logging.Warn(logging.CatCard, "Sector authentication failed, skipping its blocks", map[string]any{
					"sector": sector,
					"error":  err.Error(),
				})
			}
			result.skipSector(sector)
			result.skipBlock(block)
			return false, nil
		}
	}

	sw, err := writeRaw(auth.card, block, data)
	if err != nil {
		return false, err
	}
	if c.opts.VerifyWrites && !sw.OK() {
		if result.skipBlock(block) {
			result.FailedBlocks = append(result.FailedBlocks, block)
		}
		auth.reset()
		return false, nil
	}
	return true, nil
}

// ReadBlock reads a single block in its own session.
func (c *Card) ReadBlock(ctx context.Context, block int, creds Credentials) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	defer c.release(sess)
	return ReadSingleBlock(sess, c.capacity, block, creds.keyType(), c.opts.KeySlot, creds.Key)
}

// WriteBlock writes a single block in its own session.
func (c *Card) WriteBlock(ctx context.Context, block int, data []byte, creds Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer c.release(sess)
	return WriteBlock(sess, c.capacity, block, data, creds.keyType(), c.opts.KeySlot, creds.Key)
}

// UID returns the card UID in its own session.
func (c *Card) UID(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	defer c.release(sess)
	return GetUID(sess)
}
