package backend

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFramingRoundTrip(t *testing.T) {
	header := &ObjectHeader{
		ContentType: "image/jpeg",
		StoredAt:    time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
	}
	bodyData := []byte("jpeg bytes")

	var buf bytes.Buffer
	n, err := WriteFramed(&buf, header, bytes.NewReader(bodyData))
	require.NoError(t, err)
	require.EqualValues(t, len(bodyData), n)
	total := int64(buf.Len())

	readHeader, overhead, bodyReader, err := ReadFramed(&buf)
	require.NoError(t, err)
	require.Equal(t, header.ContentType, readHeader.ContentType)
	require.True(t, header.StoredAt.Equal(readHeader.StoredAt))
	require.Equal(t, total-int64(len(bodyData)), overhead)

	readBody, err := io.ReadAll(bodyReader)
	require.NoError(t, err)
	require.Equal(t, bodyData, readBody)
}

func TestFramingOverheadMatchesReadFramed(t *testing.T) {
	var buf bytes.Buffer
	_, err := WriteFramed(&buf, &ObjectHeader{ContentType: "image/png"}, bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	raw := buf.Bytes()
	overhead, err := FramingOverhead(bytes.NewReader(raw))
	require.NoError(t, err)

	_, want, _, err := ReadFramed(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, want, overhead)
}

func TestReadFramedInvalidMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("XXXX")
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(10)))
	buf.WriteString(`{"test":1}`)

	_, _, _, err := ReadFramed(&buf)
	require.ErrorIs(t, err, ErrInvalidMagic)
}

func TestReadFramedHeaderTooLarge(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(MagicBytes)
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(MaxHeaderSize+1)))

	_, _, _, err := ReadFramed(&buf)
	require.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestReadFramedTruncated(t *testing.T) {
	_, _, _, err := ReadFramed(bytes.NewReader([]byte("IM")))
	require.Error(t, err)
}
