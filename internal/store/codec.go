package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// recordCodec compresses game records. The encoder and decoder are created
// once and shared; EncodeAll and DecodeAll are safe for concurrent use.
type recordCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newRecordCodec() (*recordCodec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &recordCodec{encoder: encoder, decoder: decoder}, nil
}

func (c *recordCodec) compress(raw string) []byte {
	return c.encoder.EncodeAll([]byte(raw), nil)
}

func (c *recordCodec) decompress(data []byte) (string, error) {
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return "", fmt.Errorf("decompress record: %w", err)
	}
	return string(out), nil
}

func (c *recordCodec) close() {
	c.encoder.Close()
	c.decoder.Close()
}

// ContentHash identifies a raw record within one user's games.
func ContentHash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
