package backend

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// MagicBytes is the 4-byte prefix for framed object files.
	MagicBytes = []byte("IMG1")

	// ErrInvalidMagic is returned when a file doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected IMG1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")
)

// MaxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
const MaxHeaderSize = 64 * 1024

// prefixSize is the magic plus the header length field.
const prefixSize = 8

// ObjectHeader is the metadata stored in front of each object body on disk.
type ObjectHeader struct {
	ContentType string    `json:"content_type"`
	StoredAt    time.Time `json:"stored_at"`
}

// WriteFramed writes a framed object to the writer.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | BODYBYTES
func WriteFramed(w io.Writer, header *ObjectHeader, body io.Reader) (int64, error) {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return 0, fmt.Errorf("marshaling header: %w", err)
	}

	headerLen := len(headerBytes)
	if headerLen > MaxHeaderSize {
		return 0, ErrHeaderTooLarge
	}

	if _, err := w.Write(MagicBytes); err != nil {
		return 0, fmt.Errorf("writing magic bytes: %w", err)
	}

	if err := binary.Write(w, binary.BigEndian, uint32(headerLen)); err != nil { //nolint:gosec // headerLen is bounds-checked above
		return 0, fmt.Errorf("writing header length: %w", err)
	}

	if _, err := w.Write(headerBytes); err != nil {
		return 0, fmt.Errorf("writing header: %w", err)
	}

	n, err := io.Copy(w, body)
	if err != nil {
		return n, fmt.Errorf("writing body: %w", err)
	}

	return n, nil
}

// ReadFramed reads a framed object from the reader.
// Returns the parsed header, the total framing overhead in bytes, and a
// reader positioned at the start of the body.
func ReadFramed(r io.Reader) (*ObjectHeader, int64, io.Reader, error) {
	headerLen, err := readPrefix(r)
	if err != nil {
		return nil, 0, nil, err
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, 0, nil, fmt.Errorf("reading header: %w", err)
	}

	var header ObjectHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, 0, nil, fmt.Errorf("parsing header: %w", err)
	}

	return &header, prefixSize + int64(headerLen), r, nil
}

// FramingOverhead reads only the prefix and reports how many bytes precede the body.
func FramingOverhead(r io.Reader) (int64, error) {
	headerLen, err := readPrefix(r)
	if err != nil {
		return 0, err
	}
	return prefixSize + int64(headerLen), nil
}

func readPrefix(r io.Reader) (uint32, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return 0, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(magic, MagicBytes) {
		return 0, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return 0, fmt.Errorf("reading header length: %w", err)
	}
	if headerLen > MaxHeaderSize {
		return 0, ErrHeaderTooLarge
	}
	return headerLen, nil
}
