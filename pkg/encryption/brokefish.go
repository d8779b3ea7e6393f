// Package encryption implements the lobby's Blowfish variant and the key it is seeded with.
package encryption

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/blowfish"
)

const (
	BlockSize = blowfish.BlockSize

	// PaddedBlockSize is the granularity of the padded variants. Bytes past the last
	// whole multiple are sent in the clear by the game, and must stay that way.
	PaddedBlockSize = 32

	scheduleWords = 18
)

// Cipher is Blowfish with two deviations from the published algorithm: key bytes are
// sign extended while the P-array is keyed, and blocks are read as two little endian
// halves. Both are part of the protocol and are reproduced bit for bit.
type Cipher struct {
	block *blowfish.Cipher
}

func NewCipher(key []byte) (*Cipher, error) {
	if len(key) == 0 {
		return nil, errors.New("encryption: empty key")
	}

	// Standard Blowfish keying folds key bytes in zero extended and big endian. Handing it
	// the already-folded words as a 72 byte key reproduces the sign extended schedule
	// exactly, and a zero salt leaves the subkey regeneration untouched.
	block, err := blowfish.NewSaltedCipher(expandKey(key), make([]byte, BlockSize))
	if err != nil {
		return nil, err
	}

	return &Cipher{block: block}, nil
}

func expandKey(key []byte) []byte {
	out := make([]byte, 4*scheduleWords)

	j := 0
	for i := 0; i < scheduleWords; i++ {
		var data int32
		for k := 0; k < 4; k++ {
			data = data<<8 | int32(int8(key[j]))
			j++
			if j >= len(key) {
				j = 0
			}
		}
		binary.BigEndian.PutUint32(out[i*4:], uint32(data))
	}

	return out
}

// Encipher encrypts every whole 8 byte block of b in place.
func (c *Cipher) Encipher(b []byte) {
	var blk [BlockSize]byte
	for i := 0; i+BlockSize <= len(b); i += BlockSize {
		toBlock(blk[:], b[i:])
		c.block.Encrypt(blk[:], blk[:])
		fromBlock(b[i:], blk[:])
	}
}

// Decipher decrypts every whole 8 byte block of b in place.
func (c *Cipher) Decipher(b []byte) {
	var blk [BlockSize]byte
	for i := 0; i+BlockSize <= len(b); i += BlockSize {
		toBlock(blk[:], b[i:])
		c.block.Decrypt(blk[:], blk[:])
		fromBlock(b[i:], blk[:])
	}
}

// EncipherPadded encrypts the leading multiple of 32 bytes, leaving the tail alone.
func (c *Cipher) EncipherPadded(b []byte) {
	c.Encipher(b[:len(b)&^(PaddedBlockSize-1)])
}

// DecipherPadded decrypts the leading multiple of 32 bytes, leaving the tail alone.
func (c *Cipher) DecipherPadded(b []byte) {
	c.Decipher(b[:len(b)&^(PaddedBlockSize-1)])
}

// The game keeps both halves of a block as little endian words; x/crypto wants them big endian.
func toBlock(dst, src []byte) {
	binary.BigEndian.PutUint32(dst[0:4], binary.LittleEndian.Uint32(src[0:4]))
	binary.BigEndian.PutUint32(dst[4:8], binary.LittleEndian.Uint32(src[4:8]))
}

func fromBlock(dst, src []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], binary.BigEndian.Uint32(src[0:4]))
	binary.LittleEndian.PutUint32(dst[4:8], binary.BigEndian.Uint32(src[4:8]))
}
