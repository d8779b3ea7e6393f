package encryption

import (
	"crypto/md5"
	"encoding/binary"

	"github.com/sessamekesh/stasis-proxy/pkg/errors"
)

const (
	keyMagic      uint32 = 0x12345678
	keyBufferSize        = 0x2C
)

// KeyParams locates the key material inside an EncryptionInit segment. The defaults
// match the current game client; they move between protocol revisions.
type KeyParams struct {
	// Version is the client version constant folded into the key.
	Version uint32

	// KeyOffset is where the 4 key bytes start in the EncryptionInit payload.
	KeyOffset int

	PhraseOffset int
	PhraseSize   int
}

func DefaultKeyParams() KeyParams {
	return KeyParams{
		Version:      7201,
		KeyOffset:    100,
		PhraseOffset: 36,
		PhraseSize:   32,
	}
}

// DeriveKey builds the 16 byte Blowfish key from an EncryptionInit payload.
//
//	0 ------ 4 ----- 8 ------- 12 ------------------ 44
//	| magic  | key   | version | phrase (zero padded) |
func DeriveKey(payload []byte, params KeyParams) ([]byte, error) {
	if params.KeyOffset < 0 || params.KeyOffset+4 > len(payload) {
		return nil, &errors.Underflow{
			MessageName: "EncryptionInit::Key",
			MsgSize:     len(payload),
			MinimumSize: params.KeyOffset + 4,
		}
	}
	if params.PhraseSize < 0 || params.PhraseSize > keyBufferSize-12 {
		return nil, &errors.FrameTooLarge{
			Context:      "EncryptionInit phrase",
			DeclaredSize: params.PhraseSize,
			Limit:        keyBufferSize - 12,
		}
	}
	if params.PhraseOffset < 0 || params.PhraseOffset+params.PhraseSize > len(payload) {
		return nil, &errors.Underflow{
			MessageName: "EncryptionInit::Phrase",
			MsgSize:     len(payload),
			MinimumSize: params.PhraseOffset + params.PhraseSize,
		}
	}

	var buf [keyBufferSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], keyMagic)
	copy(buf[4:8], payload[params.KeyOffset:params.KeyOffset+4])
	binary.LittleEndian.PutUint32(buf[8:12], params.Version)
	copy(buf[12:], payload[params.PhraseOffset:params.PhraseOffset+params.PhraseSize])

	sum := md5.Sum(buf[:])
	return sum[:], nil
}

func NewCipherFromInit(payload []byte, params KeyParams) (*Cipher, error) {
	key, err := DeriveKey(payload, params)
	if err != nil {
		return nil, err
	}
	return NewCipher(key)
}
