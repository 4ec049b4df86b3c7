package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/SimplyPrint/mifare-agent/internal/classic"
	"github.com/SimplyPrint/mifare-agent/internal/config"
	"github.com/SimplyPrint/mifare-agent/internal/core"
	"github.com/SimplyPrint/mifare-agent/internal/dump"
	"github.com/SimplyPrint/mifare-agent/internal/logging"
	"github.com/SimplyPrint/mifare-agent/internal/settings"
)

var errUsage = errors.New("usage")

// Exit codes beyond 0/1: the operation finished but left blocks unread or
// unwritten.
const exitIncomplete = 3

// cardService is the part of core.Service the CLI uses.
type cardService interface {
	core.ReaderOperations
	core.CardOperations
	WaitForCard(ctx context.Context, readerName string) error
}

type cli struct {
	cfg  *config.Config
	svc  cardService
	opts options
	out  io.Writer
}

func (c *cli) stdout() io.Writer {
	if c.out != nil {
		return c.out
	}
	return os.Stdout
}

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

// run executes one CLI command and returns the process exit code.
func (c *cli) run(command string, args []string) (int, error) {
	if command == "readers" {
		return c.listReaders()
	}

	var want int
	switch command {
	case "uid":
		want = 0
	case "read":
		if len(args) > 1 {
			return 0, usageError("read takes at most one file")
		}
		want = len(args)
	case "write", "dump", "restore":
		want = 1
	default:
		return 0, usageError("unknown command: %s", command)
	}
	if len(args) != want {
		return 0, usageError("%s: expected %d argument(s), got %d", command, want, len(args))
	}

	reader, err := c.selectReader()
	if err != nil {
		return 0, err
	}
	creds, err := c.cfg.Credentials()
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.TimeoutDuration())
	defer cancel()

	if c.opts.wait {
		fmt.Fprintf(os.Stderr, "Waiting for a card on %s...\n", reader)
		if err := c.svc.WaitForCard(ctx, reader); err != nil {
			return 0, err
		}
	}

	req := core.ReadRequest{Credentials: creds, Capacity: c.requestCapacity()}
	switch command {
	case "uid":
		return c.uid(ctx, reader)
	case "read":
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		return c.read(ctx, reader, req, path)
	case "write":
		return c.write(ctx, reader, req, args[0])
	case "dump":
		return c.dump(ctx, reader, req, args[0])
	default:
		return c.restore(ctx, reader, creds, args[0])
	}
}

// requestCapacity is set only when detection is off, so the service reads
// the ATR otherwise.
func (c *cli) requestCapacity() string {
	if c.cfg.Card.Detect != nil && !*c.cfg.Card.Detect {
		return c.cfg.Card.Capacity
	}
	return ""
}

func (c *cli) listReaders() (int, error) {
	readers := c.svc.ListReaders()
	if len(readers) == 0 {
		return 1, errors.New("no readers found")
	}
	for _, r := range readers {
		fmt.Fprintf(c.stdout(), "%s\t%s\t%s\n", r.ID, r.Type, r.Name)
	}
	return 0, nil
}

// selectReader resolves the reader from -reader, then the config file,
// then the saved default, then the first contactless reader.
func (c *cli) selectReader() (string, error) {
	readers := c.svc.ListReaders()
	if len(readers) == 0 {
		return "", errors.New("no readers found")
	}

	byIndex := func(i int) (string, error) {
		if i < 0 || i >= len(readers) {
			return "", fmt.Errorf("reader index %d out of range (%d readers)", i, len(readers))
		}
		return readers[i].Name, nil
	}
	byName := func(name string) (string, error) {
		for _, r := range readers {
			if r.Name == name {
				return r.Name, nil
			}
		}
		for _, r := range readers {
			if strings.Contains(strings.ToLower(r.Name), strings.ToLower(name)) {
				return r.Name, nil
			}
		}
		return "", fmt.Errorf("no reader matching %q", name)
	}

	if c.opts.reader != "" {
		if i, err := strconv.Atoi(c.opts.reader); err == nil {
			return byIndex(i)
		}
		return byName(c.opts.reader)
	}
	if c.cfg.Reader.Name != "" {
		return byName(c.cfg.Reader.Name)
	}
	if c.cfg.Reader.Index != nil {
		return byIndex(*c.cfg.Reader.Index)
	}
	if name := settings.Get().DefaultReader; name != "" {
		if r, err := byName(name); err == nil {
			return r, nil
		}
	}
	for _, r := range readers {
		if r.Type == "picc" {
			return r.Name, nil
		}
	}
	return readers[0].Name, nil
}

func (c *cli) uid(ctx context.Context, reader string) (int, error) {
	info, err := c.svc.GetCardInfo(ctx, reader)
	if err != nil {
		return 0, err
	}
	w := c.stdout()
	fmt.Fprintf(w, "Reader:    %s\n", info.Reader)
	fmt.Fprintf(w, "UID:       %s\n", strings.ToUpper(info.UID))
	fmt.Fprintf(w, "ATR:       %s\n", strings.ToUpper(info.ATR))
	fmt.Fprintf(w, "Type:      %s\n", info.Type)
	fmt.Fprintf(w, "Capacity:  %s (%d writable blocks, %d bytes)\n", info.Capacity, info.WritableBlocks, info.Size)
	if !info.Supported {
		fmt.Fprintf(w, "Note:      capacity not detected, using configured %s\n", info.Capacity)
	}
	return 0, nil
}

func (c *cli) read(ctx context.Context, reader string, req core.ReadRequest, path string) (int, error) {
	res, err := c.svc.ReadAll(ctx, reader, req)
	if err != nil {
		return 0, err
	}

	if path == "" {
		fmt.Fprint(c.stdout(), hex.Dump(res.Data))
	} else if err := os.WriteFile(path, res.Data, 0644); err != nil {
		return 0, err
	}

	fmt.Fprintf(os.Stderr, "Read %d blocks (%d bytes)\n", res.BlocksRead, len(res.Data))
	return reportGaps(res.SkippedSectors, res.FailedBlocks), nil
}

func (c *cli) write(ctx context.Context, reader string, req core.ReadRequest, path string) (int, error) {
	var payload []byte
	var err error
	if path == "-" {
		payload, err = io.ReadAll(os.Stdin)
	} else {
		payload, err = os.ReadFile(path)
	}
	if err != nil {
		return 0, err
	}

	res, err := c.svc.WriteAll(ctx, reader, core.WriteRequest{
		ReadRequest: req,
		Payload:     payload,
		ClearFirst:  c.cfg.Write.ClearFirst,
	})
	if err != nil {
		return 0, err
	}
	return c.reportWrite(res), nil
}

func (c *cli) reportWrite(res *classic.WriteResult) int {
	fmt.Fprintf(os.Stderr, "Wrote %d blocks", res.BlocksWritten)
	if res.BlocksCleared > 0 {
		fmt.Fprintf(os.Stderr, ", cleared %d", res.BlocksCleared)
	}
	fmt.Fprintln(os.Stderr)
	if res.TruncatedBytes > 0 {
		fmt.Fprintf(os.Stderr, "Warning: payload truncated by %d bytes\n", res.TruncatedBytes)
	}
	code := reportGaps(res.SkippedSectors, res.FailedBlocks)
	if !res.Complete() {
		code = exitIncomplete
	}
	return code
}

func reportGaps(skipped, failed []int) int {
	if len(skipped) == 0 && len(failed) == 0 {
		return 0
	}
	if len(skipped) > 0 {
		fmt.Fprintf(os.Stderr, "Warning: skipped sectors %v (authentication refused)\n", skipped)
	}
	if len(failed) > 0 {
		fmt.Fprintf(os.Stderr, "Warning: failed blocks %v\n", failed)
	}
	return exitIncomplete
}

func (c *cli) dump(ctx context.Context, reader string, req core.ReadRequest, path string) (int, error) {
	info, err := c.svc.GetCardInfo(ctx, reader)
	if err != nil {
		return 0, err
	}
	uid, err := hex.DecodeString(info.UID)
	if err != nil {
		return 0, fmt.Errorf("card returned invalid uid %q: %w", info.UID, err)
	}
	capacity, err := classic.ParseCapacity(info.Capacity)
	if req.Capacity != "" {
		capacity, err = classic.ParseCapacity(req.Capacity)
	}
	if err != nil {
		return 0, err
	}
	req.Capacity = capacity.String()

	res, err := c.svc.ReadAll(ctx, reader, req)
	if err != nil {
		return 0, err
	}

	d := dump.FromRead(uid, capacity, res)
	if err := d.Save(path); err != nil {
		return 0, err
	}

	logging.Info(logging.CatCard, "Card dumped", map[string]any{
		"reader": reader,
		"uid":    info.UID,
		"file":   path,
	})
	fmt.Fprintf(os.Stderr, "Saved %s card %s to %s (%d blocks)\n", capacity, strings.ToUpper(info.UID), path, res.BlocksRead)
	return reportGaps(res.SkippedSectors, res.FailedBlocks), nil
}

func (c *cli) restore(ctx context.Context, reader string, creds classic.Credentials, path string) (int, error) {
	d, err := dump.Load(path)
	if err != nil {
		return 0, err
	}
	if !d.Complete() {
		fmt.Fprintf(os.Stderr, "Warning: dump is missing sectors %v and blocks %v; they will be written as zeros\n", d.SkippedSectors, d.FailedBlocks)
	}

	info, err := c.svc.GetCardInfo(ctx, reader)
	if err != nil {
		return 0, err
	}
	if uid, err := hex.DecodeString(info.UID); err == nil && !d.SameCard(uid) {
		logging.Warn(logging.CatCard, "Restoring dump onto a different card", map[string]any{
			"reader":  reader,
			"uid":     info.UID,
			"dumpUid": hex.EncodeToString(d.UID),
		})
		fmt.Fprintf(os.Stderr, "Note: dump was taken from card %X, writing to %s\n", d.UID, strings.ToUpper(info.UID))
	}

	res, err := c.svc.WriteAll(ctx, reader, d.RestoreRequest(creds))
	if err != nil {
		return 0, err
	}
	return c.reportWrite(res), nil
}

// promptKey reads a key from the terminal without echoing it.
func promptKey() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("-prompt-key needs a terminal on stdin")
	}
	fmt.Fprint(os.Stderr, "Sector key (12 hex characters): ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	key := strings.TrimSpace(string(raw))
	if _, err := classic.ParseKey(key); err != nil {
		return "", err
	}
	return key, nil
}
