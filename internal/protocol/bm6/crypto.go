package bm6

import (
	"crypto/aes"
	"fmt"
)

// Encrypt applies AES-ECB over data. Short input is zero-padded to the block
// size, longer input is truncated: the device only ever exchanges single
// 16-byte blocks.
func Encrypt(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("bm6 cipher init: %w", err)
	}
	buf := make([]byte, blockSize)
	copy(buf, data)
	out := make([]byte, blockSize)
	block.Encrypt(out, buf)
	return out, nil
}

// Decrypt applies AES-ECB over data. Input must be a whole number of blocks.
func Decrypt(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("bm6 decrypt: payload length %d is not a multiple of %d", len(data), blockSize)
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("bm6 cipher init: %w", err)
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += blockSize {
		block.Decrypt(out[i:i+blockSize], data[i:i+blockSize])
	}
	return out, nil
}
