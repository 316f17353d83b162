package objectstore

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidChecksum  = errors.New("checksum must be an MD5 or CRC32C digest in hex or base64")
	ErrChecksumMismatch = errors.New("stored object does not match the declared checksum")
)

// Checksum is a client-declared digest. Exactly one of MD5 and CRC32C is
// set. Bucket metadata reports both in base64; clients usually send hex.
type Checksum struct {
	MD5    []byte
	CRC32C *uint32
}

// ParseChecksum accepts an optional "md5:" or "crc32c:" prefix followed by
// the digest in hex or standard base64. The digest length picks the
// algorithm when there is no prefix.
func ParseChecksum(s string) (Checksum, error) {
	s = strings.TrimSpace(s)
	algo := ""
	if i := strings.IndexByte(s, ':'); i > 0 {
		algo, s = strings.ToLower(s[:i]), strings.TrimSpace(s[i+1:])
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		if raw, err = base64.StdEncoding.DecodeString(s); err != nil {
			return Checksum{}, fmt.Errorf("%w: %q", ErrInvalidChecksum, s)
		}
	}

	switch {
	case len(raw) == 16 && (algo == "" || algo == "md5"):
		return Checksum{MD5: raw}, nil
	case len(raw) == 4 && (algo == "" || algo == "crc32c"):
		v := binary.BigEndian.Uint32(raw)
		return Checksum{CRC32C: &v}, nil
	}
	return Checksum{}, fmt.Errorf("%w: %d-byte %s digest", ErrInvalidChecksum, len(raw), algo)
}

// Verify reports ErrChecksumMismatch when the object's hash differs. ok is
// false when the backend did not record the declared algorithm.
func (c Checksum) Verify(info *ObjectInfo) (ok bool, err error) {
	if c.CRC32C != nil {
		if info.CRC32C != *c.CRC32C {
			return true, fmt.Errorf("%w: crc32c %08x, stored %08x", ErrChecksumMismatch, *c.CRC32C, info.CRC32C)
		}
		return true, nil
	}
	if len(info.MD5) == 0 {
		return false, nil
	}
	if !bytes.Equal(info.MD5, c.MD5) {
		return true, fmt.Errorf("%w: md5 %x, stored %x", ErrChecksumMismatch, c.MD5, info.MD5)
	}
	return true, nil
}
