package classic

// Chunk splits payload into consecutive BlockSize slices. The last slice may
// be shorter. At most maxBlocks chunks are produced; bytes beyond
// maxBlocks*BlockSize are dropped and their count is returned as truncated.
// The chunks alias payload.
func Chunk(payload []byte, maxBlocks int) (chunks [][]byte, truncated int) {
	if maxBlocks < 0 {
		maxBlocks = 0
	}
	limit := maxBlocks * BlockSize
	if len(payload) > limit {
		truncated = len(payload) - limit
		payload = payload[:limit]
	}
	chunks = make([][]byte, 0, (len(payload)+BlockSize-1)/BlockSize)
	for off := 0; off < len(payload); off += BlockSize {
		end := off + BlockSize
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[off:end])
	}
	return chunks, truncated
}

// Reassemble concatenates blocks in order.
func Reassemble(blocks [][]byte) []byte {
	n := 0
	for _, b := range blocks {
		n += len(b)
	}
	out := make([]byte, 0, n)
	for _, b := range blocks {
		out = append(out, b...)
	}
	return out
}

// pad returns chunk zero-filled to BlockSize.
func pad(chunk []byte) []byte {
	out := make([]byte, BlockSize)
	copy(out, chunk)
	return out
}
