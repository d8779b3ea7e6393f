package encryption

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"math/rand"
	"testing"

	"github.com/sessamekesh/stasis-proxy/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blowfish"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// Published Blowfish vectors, laid out as two little endian halves.
func TestKnownVectors(t *testing.T) {
	cases := []struct {
		key    string
		plain  string
		cipher string
	}{
		{key: "0000000000000000", plain: "0000000000000000", cipher: "4597f94e78dd9861"},
		{key: "ffffffffffffffff", plain: "ffffffffffffffff", cipher: "d56f86518acb5eb8"},
	}

	for _, tc := range cases {
		c, err := NewCipher(mustHex(t, tc.key))
		require.NoError(t, err)

		buf := mustHex(t, tc.plain)
		c.Encipher(buf)
		assert.Equal(t, tc.cipher, hex.EncodeToString(buf), "key %s", tc.key)

		c.Decipher(buf)
		assert.Equal(t, tc.plain, hex.EncodeToString(buf), "key %s", tc.key)
	}
}

func TestExpandKeySignExtends(t *testing.T) {
	expanded := expandKey([]byte{0x01, 0x80, 0x02, 0x03})
	require.Len(t, expanded, 72)

	// 0x80 sign extends to 0xFFFFFF80 and swallows the 0x01 shifted in before it.
	assert.Equal(t, uint32(0xFF800203), binary.BigEndian.Uint32(expanded[0:4]))
	assert.Equal(t, uint32(0xFF800203), binary.BigEndian.Uint32(expanded[68:72]))

	plain := expandKey([]byte{0x01, 0x7F, 0x02, 0x03})
	assert.Equal(t, uint32(0x017F0203), binary.BigEndian.Uint32(plain[0:4]))
}

func encipherStandard(t *testing.T, key, buf []byte) {
	t.Helper()
	std, err := blowfish.NewCipher(key)
	require.NoError(t, err)

	var blk [8]byte
	for i := 0; i+8 <= len(buf); i += 8 {
		toBlock(blk[:], buf[i:])
		std.Encrypt(blk[:], blk[:])
		fromBlock(buf[i:], blk[:])
	}
}

func TestMatchesStandardScheduleForLowKeyBytes(t *testing.T) {
	key := []byte("0123456789abcdef")
	c, err := NewCipher(key)
	require.NoError(t, err)

	a := bytes.Repeat([]byte("stasis!!"), 8)
	b := bytes.Clone(a)

	c.Encipher(a)
	encipherStandard(t, key, b)
	assert.Equal(t, b, a)
}

// Vectors for keys with bytes >= 0x80, computed with a separate port of the client's
// cipher. The standard schedule gives a different answer for each of them.
func TestSignExtendedKnownVectors(t *testing.T) {
	cases := []struct {
		key      string
		plain    string
		cipher   string
		standard string
	}{
		{
			key:      "109020a030b040c0",
			plain:    "00000000000000000000000000000000",
			cipher:   "cbd09a14abbd68b6cbd09a14abbd68b6",
			standard: "feda321603305a1cfeda321603305a1c",
		},
		{
			// Session key for EncryptionInit key 0xDEADBEEF with an empty phrase.
			key:      "13071ad346ff5602dab24b5a099a13d6",
			plain:    "0123456701234567012345670123456701234567012345670123456701234567",
			cipher:   "05196a0f680a1d2805196a0f680a1d2805196a0f680a1d2805196a0f680a1d28",
			standard: "8aae5adaf1a5ce1d8aae5adaf1a5ce1d8aae5adaf1a5ce1d8aae5adaf1a5ce1d",
		},
	}

	for _, tc := range cases {
		key := mustHex(t, tc.key)
		c, err := NewCipher(key)
		require.NoError(t, err)

		buf := mustHex(t, tc.plain)
		c.Encipher(buf)
		assert.Equal(t, tc.cipher, hex.EncodeToString(buf), "key %s", tc.key)

		c.Decipher(buf)
		assert.Equal(t, tc.plain, hex.EncodeToString(buf), "key %s", tc.key)

		std := mustHex(t, tc.plain)
		encipherStandard(t, key, std)
		assert.Equal(t, tc.standard, hex.EncodeToString(std), "key %s", tc.key)
	}
}

func TestDeadbeefSessionKey(t *testing.T) {
	key, err := DeriveKey(initPayload(0xDEADBEEF), DefaultKeyParams())
	require.NoError(t, err)
	assert.Equal(t, "13071ad346ff5602dab24b5a099a13d6", hex.EncodeToString(key))

	c, err := NewCipher(key)
	require.NoError(t, err)
	buf := mustHex(t, "0123456701234567012345670123456701234567012345670123456701234567")
	c.EncipherPadded(buf)
	assert.Equal(t, "05196a0f680a1d2805196a0f680a1d2805196a0f680a1d2805196a0f680a1d28", hex.EncodeToString(buf))
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	key := make([]byte, 16)
	rng.Read(key)

	c, err := NewCipher(key)
	require.NoError(t, err)

	for _, size := range []int{8, 16, 64, 256, 1024} {
		original := make([]byte, size)
		rng.Read(original)
		buf := bytes.Clone(original)

		c.Encipher(buf)
		assert.NotEqual(t, original, buf)
		c.Decipher(buf)
		assert.Equal(t, original, buf, "size %d", size)
	}
}

func TestPaddedLeavesTailUntouched(t *testing.T) {
	c, err := NewCipher([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	require.NoError(t, err)

	for _, size := range []int{0, 7, 31, 32, 33, 70, 95} {
		original := make([]byte, size)
		for i := range original {
			original[i] = byte(i)
		}
		buf := bytes.Clone(original)
		aligned := size &^ 31

		c.EncipherPadded(buf)
		assert.Equal(t, original[aligned:], buf[aligned:], "size %d tail after encipher", size)
		if aligned > 0 {
			assert.NotEqual(t, original[:aligned], buf[:aligned], "size %d", size)
		}

		c.DecipherPadded(buf)
		assert.Equal(t, original, buf, "size %d", size)
	}
}

func TestEmptyKey(t *testing.T) {
	_, err := NewCipher(nil)
	assert.Error(t, err)
}

func initPayload(key uint32) []byte {
	payload := make([]byte, 104)
	binary.LittleEndian.PutUint32(payload[100:], key)
	return payload
}

func TestDeriveKeyLayout(t *testing.T) {
	payload := initPayload(0xDEADBEEF)
	copy(payload[36:68], bytes.Repeat([]byte{0x41}, 32))

	got, err := DeriveKey(payload, DefaultKeyParams())
	require.NoError(t, err)

	expected := make([]byte, 44)
	binary.LittleEndian.PutUint32(expected[0:], 0x12345678)
	binary.LittleEndian.PutUint32(expected[4:], 0xDEADBEEF)
	binary.LittleEndian.PutUint32(expected[8:], 7201)
	copy(expected[12:], bytes.Repeat([]byte{0x41}, 32))
	sum := md5.Sum(expected)

	assert.Equal(t, sum[:], got)
}

func TestDeriveKeyIsDeterministic(t *testing.T) {
	payload := initPayload(0xDEADBEEF)

	a, err := NewCipherFromInit(payload, DefaultKeyParams())
	require.NoError(t, err)
	b, err := NewCipherFromInit(bytes.Clone(payload), DefaultKeyParams())
	require.NoError(t, err)

	bufA := bytes.Repeat([]byte{0x5A}, 64)
	bufB := bytes.Clone(bufA)
	a.EncipherPadded(bufA)
	b.EncipherPadded(bufB)
	assert.Equal(t, bufA, bufB)

	other, err := NewCipherFromInit(initPayload(0xDEADBEEE), DefaultKeyParams())
	require.NoError(t, err)
	bufC := bytes.Repeat([]byte{0x5A}, 64)
	other.EncipherPadded(bufC)
	assert.NotEqual(t, bufA, bufC)
}

func TestDeriveKeyOutOfRange(t *testing.T) {
	var underflow *errors.Underflow

	_, err := DeriveKey(make([]byte, 50), DefaultKeyParams())
	require.ErrorAs(t, err, &underflow)

	params := DefaultKeyParams()
	params.KeyOffset = 0
	params.PhraseOffset = 40
	_, err = DeriveKey(make([]byte, 50), params)
	require.ErrorAs(t, err, &underflow)

	params.PhraseOffset = 0
	params.PhraseSize = 33
	_, err = DeriveKey(make([]byte, 200), params)
	var tooLarge *errors.FrameTooLarge
	require.ErrorAs(t, err, &tooLarge)
}
