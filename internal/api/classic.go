package api

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/SimplyPrint/mifare-agent/internal/classic"
	"github.com/SimplyPrint/mifare-agent/internal/core"
	"github.com/SimplyPrint/mifare-agent/internal/logging"
)

// ReadResponse is the body of GET /v1/readers/{n}/classic.
type ReadResponse struct {
	Reader         string `json:"reader"`
	Data           string `json:"data"` // base64
	BlocksRead     int    `json:"blocksRead"`
	SkippedSectors []int  `json:"skippedSectors"`
	FailedBlocks   []int  `json:"failedBlocks"`
	Complete       bool   `json:"complete"`
}

func newReadResponse(reader string, res *classic.ReadResult) ReadResponse {
	return ReadResponse{
		Reader:         reader,
		Data:           base64.StdEncoding.EncodeToString(res.Data),
		BlocksRead:     res.BlocksRead,
		SkippedSectors: nonNil(res.SkippedSectors),
		FailedBlocks:   nonNil(res.FailedBlocks),
		Complete:       res.Complete(),
	}
}

// WriteResponse is the body returned by POST /v1/readers/{n}/classic.
type WriteResponse struct {
	*classic.WriteResult
	Reader   string `json:"reader"`
	Complete bool   `json:"complete"`
}

func newWriteResponse(reader string, res *classic.WriteResult) WriteResponse {
	res.SkippedSectors = nonNil(res.SkippedSectors)
	res.FailedBlocks = nonNil(res.FailedBlocks)
	return WriteResponse{WriteResult: res, Reader: reader, Complete: res.Complete()}
}

// WriteBody is the request body for a whole-card write. Exactly one of Data
// (base64) or Text may be set; both empty writes an empty payload.
type WriteBody struct {
	Data       string `json:"data,omitempty"`
	Text       string `json:"text,omitempty"`
	Key        string `json:"key,omitempty"`
	KeyType    string `json:"keyType,omitempty"`
	Capacity   string `json:"capacity,omitempty"`
	ClearFirst bool   `json:"clearFirst,omitempty"`
}

func (b WriteBody) payload() ([]byte, error) {
	if b.Data != "" && b.Text != "" {
		return nil, errors.New("set either data or text, not both")
	}
	if b.Text != "" {
		return []byte(b.Text), nil
	}
	if b.Data == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(b.Data)
	if err != nil {
		return nil, errors.New("invalid base64 data")
	}
	return data, nil
}

// BlockBody is the request body for a single-block write.
type BlockBody struct {
	Data     string `json:"data"` // 32 hex characters
	Key      string `json:"key,omitempty"`
	KeyType  string `json:"keyType,omitempty"`
	Capacity string `json:"capacity,omitempty"`
}

func nonNil(s []int) []int {
	if s == nil {
		return []int{}
	}
	return s
}

func (s *Server) handleReaderCard(w http.ResponseWriter, r *http.Request, readerName string) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := s.operationContext(r.Context())
	defer cancel()

	info, err := s.ops.GetCardInfo(ctx, readerName)
	if err != nil {
		logging.Debug(logging.CatHTTP, "Card info failed", map[string]any{
			"reader": readerName,
			"error":  err.Error(),
		})
		respondError(w, http.StatusNotFound, err.Error())
		return
	}

	logging.Info(logging.CatCard, "Card detected", map[string]any{
		"reader":   readerName,
		"uid":      info.UID,
		"type":     info.Type,
		"capacity": info.Capacity,
	})
	respondJSON(w, http.StatusOK, info)
}

func (s *Server) handleClassic(w http.ResponseWriter, r *http.Request, readerName string) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()
		creds, err := s.credentials(query.Get("key"), query.Get("keyType"))
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}

		ctx, cancel := s.operationContext(r.Context())
		defer cancel()

		res, err := s.ops.ReadAll(ctx, readerName, core.ReadRequest{
			Credentials: creds,
			Capacity:    query.Get("capacity"),
		})
		if err != nil {
			logging.Error(logging.CatCard, "Card read failed", map[string]any{
				"reader": readerName,
				"error":  err.Error(),
			})
			respondError(w, statusFor(err), err.Error())
			return
		}

		logging.Info(logging.CatCard, "Card read", map[string]any{
			"reader":         readerName,
			"blocksRead":     res.BlocksRead,
			"skippedSectors": res.SkippedSectors,
		})
		respondJSON(w, http.StatusOK, newReadResponse(readerName, res))

	case http.MethodPost:
		var body WriteBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		payload, err := body.payload()
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		creds, err := s.credentials(body.Key, body.KeyType)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}

		ctx, cancel := s.operationContext(r.Context())
		defer cancel()

		res, err := s.ops.WriteAll(ctx, readerName, core.WriteRequest{
			ReadRequest: core.ReadRequest{Credentials: creds, Capacity: body.Capacity},
			Payload:     payload,
			ClearFirst:  body.ClearFirst,
		})
		if err != nil {
			logging.Error(logging.CatCard, "Card write failed", map[string]any{
				"reader": readerName,
				"error":  err.Error(),
			})
			respondError(w, statusFor(err), err.Error())
			return
		}

		logging.Info(logging.CatCard, "Card written", map[string]any{
			"reader":         readerName,
			"dataLen":        len(payload),
			"blocksWritten":  res.BlocksWritten,
			"skippedSectors": res.SkippedSectors,
		})
		respondJSON(w, http.StatusOK, newWriteResponse(readerName, res))

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

// handleClassicBlock serves single-block reads and writes:
// GET /v1/readers/{n}/classic/{block} and POST with a BlockBody.
func (s *Server) handleClassicBlock(w http.ResponseWriter, r *http.Request, readerName, blockStr string) {
	block, err := strconv.Atoi(blockStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid block number")
		return
	}

	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()
		creds, err := s.credentials(query.Get("key"), query.Get("keyType"))
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}

		ctx, cancel := s.operationContext(r.Context())
		defer cancel()

		data, err := s.ops.ReadBlock(ctx, readerName, block, core.ReadRequest{
			Credentials: creds,
			Capacity:    query.Get("capacity"),
		})
		if err != nil {
			logging.Debug(logging.CatHTTP, "Block read failed", map[string]any{
				"reader": readerName,
				"block":  block,
				"error":  err.Error(),
			})
			respondError(w, statusFor(err), err.Error())
			return
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"block": block,
			"data":  hex.EncodeToString(data),
		})

	case http.MethodPost:
		var body BlockBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		data, err := hex.DecodeString(body.Data)
		if err != nil || len(data) != classic.BlockSize {
			respondError(w, http.StatusBadRequest, "invalid data (must be 32 hex characters for 16 bytes)")
			return
		}
		creds, err := s.credentials(body.Key, body.KeyType)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}

		ctx, cancel := s.operationContext(r.Context())
		defer cancel()

		err = s.ops.WriteBlock(ctx, readerName, block, data, core.ReadRequest{
			Credentials: creds,
			Capacity:    body.Capacity,
		})
		if err != nil {
			logging.Debug(logging.CatHTTP, "Block write failed", map[string]any{
				"reader": readerName,
				"block":  block,
				"error":  err.Error(),
			})
			respondError(w, statusFor(err), err.Error())
			return
		}

		respondJSON(w, http.StatusOK, map[string]bool{
			"success": true,
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}
