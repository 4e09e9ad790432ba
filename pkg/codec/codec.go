// Package codec implements the on-disk page codec: a small header
// recording whether a page is compressed and/or encrypted, followed by
// the (optionally compressed, optionally encrypted) payload. Pages under
// the minimum compressible size are stored raw to avoid paying LZ4's
// framing overhead on tiny values.
package codec

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// minCompressSize is the smallest payload compression is attempted for;
// below this, LZ4's frame overhead outweighs any savings.
const minCompressSize = 128

const (
	magic0 = 't'
	magic1 = 'r'
	magic2 = 'v'
)

const (
	flagEncrypted  byte = 1 << 7
	algorithmMask  byte = 0x7f
	algorithmNone  byte = 0
	algorithmLZ4   byte = 1
)

// ErrEncryptionDisabled is returned by Decode when a payload's header
// claims encryption but no AEAD was configured on the Codec.
var ErrEncryptionDisabled = errors.New("codec: payload is encrypted but no AEAD is configured")

// AEAD seals and opens opaque byte payloads. *vault.Vault satisfies this.
type AEAD interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// Codec encodes and decodes pages for on-disk storage.
type Codec struct {
	aead AEAD
}

// New returns a Codec with no encryption; pages are compressed only.
func New() *Codec {
	return &Codec{}
}

// NewEncrypted returns a Codec that also seals pages with aead.
func NewEncrypted(aead AEAD) *Codec {
	return &Codec{aead: aead}
}

// Encode compresses (if worthwhile) and optionally encrypts plain,
// returning the framed page.
func (c *Codec) Encode(plain []byte) ([]byte, error) {
	algorithm := algorithmNone
	body := plain

	if len(plain) >= minCompressSize {
		compressed, err := compressLZ4(plain)
		if err != nil {
			return nil, fmt.Errorf("compressing page: %w", err)
		}
		if len(compressed) < len(plain) {
			algorithm = algorithmLZ4
			body = compressed
		}
	}

	flags := algorithm
	if c.aead != nil {
		sealed, err := c.aead.Seal(body)
		if err != nil {
			return nil, fmt.Errorf("sealing page: %w", err)
		}
		body = sealed
		flags |= flagEncrypted
	}

	header := []byte{magic0, magic1, magic2, flags}
	return append(header, body...), nil
}

// Decode reverses Encode. Data with no recognized header is returned
// unmodified, treated as a raw, uncoded page.
func (c *Codec) Decode(wire []byte) ([]byte, error) {
	if len(wire) < 4 || wire[0] != magic0 || wire[1] != magic1 || wire[2] != magic2 {
		return wire, nil
	}

	flags := wire[3]
	body := wire[4:]

	if flags&flagEncrypted != 0 {
		if c.aead == nil {
			return nil, ErrEncryptionDisabled
		}
		opened, err := c.aead.Open(body)
		if err != nil {
			return nil, fmt.Errorf("opening sealed page: %w", err)
		}
		body = opened
	}

	switch flags & algorithmMask {
	case algorithmNone:
		return body, nil
	case algorithmLZ4:
		return decompressLZ4(body)
	default:
		return nil, fmt.Errorf("unknown compression algorithm %d", flags&algorithmMask)
	}
}

func compressLZ4(plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(plain); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressLZ4(compressed []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(compressed))
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
