// Package fastcgi implements the client side of the FastCGI protocol, limited
// to one request per connection with the responder role.
//
// Parameters are an ordered list rather than a map so a header that carries
// several values reaches the worker as several entries.
package fastcgi

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const version1 = 1

type recordType uint8

const (
	typeBeginRequest recordType = 1
	typeAbortRequest recordType = 2
	typeEndRequest   recordType = 3
	typeParams       recordType = 4
	typeStdin        recordType = 5
	typeStdout       recordType = 6
	typeStderr       recordType = 7
)

func (t recordType) String() string {
	switch t {
	case typeBeginRequest:
		return "BEGIN_REQUEST"
	case typeAbortRequest:
		return "ABORT_REQUEST"
	case typeEndRequest:
		return "END_REQUEST"
	case typeParams:
		return "PARAMS"
	case typeStdin:
		return "STDIN"
	case typeStdout:
		return "STDOUT"
	case typeStderr:
		return "STDERR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

const (
	roleResponder = 1

	statusRequestComplete = 0

	headerLen     = 8
	maxContentLen = 65535
)

var errInvalidVersion = errors.New("fastcgi: invalid record version")

type header struct {
	Version       uint8
	Type          recordType
	RequestID     uint16
	ContentLength uint16
	PaddingLength uint8
	Reserved      uint8
}

// Pair is one name/value entry, used for request params and response headers.
type Pair struct {
	Name  string
	Value string
}

type recordWriter struct {
	w         *bufio.Writer
	requestID uint16
	hdr       [headerLen]byte
	pad       [7]byte
}

func newRecordWriter(w io.Writer, requestID uint16) *recordWriter {
	return &recordWriter{w: bufio.NewWriterSize(w, headerLen+maxContentLen+8), requestID: requestID}
}

func (rw *recordWriter) writeRecord(t recordType, content []byte) error {
	padding := uint8(-len(content) & 7)
	rw.hdr[0] = version1
	rw.hdr[1] = uint8(t)
	binary.BigEndian.PutUint16(rw.hdr[2:4], rw.requestID)
	binary.BigEndian.PutUint16(rw.hdr[4:6], uint16(len(content)))
	rw.hdr[6] = padding
	rw.hdr[7] = 0

	if _, err := rw.w.Write(rw.hdr[:]); err != nil {
		return err
	}
	if _, err := rw.w.Write(content); err != nil {
		return err
	}
	_, err := rw.w.Write(rw.pad[:padding])
	return err
}

// writeStream writes data as a sequence of records of type t, each at most
// maxContentLen bytes, followed by the empty record closing the stream.
func (rw *recordWriter) writeStream(t recordType, data []byte) error {
	for len(data) > 0 {
		n := min(len(data), maxContentLen)
		if err := rw.writeRecord(t, data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return rw.writeRecord(t, nil)
}

func (rw *recordWriter) writeBeginRequest(role uint16, flags uint8) error {
	var b [8]byte
	binary.BigEndian.PutUint16(b[0:2], role)
	b[2] = flags
	return rw.writeRecord(typeBeginRequest, b[:])
}

func (rw *recordWriter) flush() error {
	return rw.w.Flush()
}

// encodeParams encodes pairs in the FastCGI name-value format.
func encodeParams(pairs []Pair) []byte {
	var buf []byte
	for _, p := range pairs {
		buf = appendLength(buf, len(p.Name))
		buf = appendLength(buf, len(p.Value))
		buf = append(buf, p.Name...)
		buf = append(buf, p.Value...)
	}
	return buf
}

func appendLength(buf []byte, n int) []byte {
	if n < 128 {
		return append(buf, byte(n))
	}
	return binary.BigEndian.AppendUint32(buf, uint32(n)|1<<31)
}

type record struct {
	h       header
	content []byte
}

func readRecord(r io.Reader, rec *record) error {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	rec.h = header{
		Version:       hdr[0],
		Type:          recordType(hdr[1]),
		RequestID:     binary.BigEndian.Uint16(hdr[2:4]),
		ContentLength: binary.BigEndian.Uint16(hdr[4:6]),
		PaddingLength: hdr[6],
		Reserved:      hdr[7],
	}
	if rec.h.Version != version1 {
		return errInvalidVersion
	}

	n := int(rec.h.ContentLength) + int(rec.h.PaddingLength)
	if cap(rec.content) < n {
		rec.content = make([]byte, n)
	}
	rec.content = rec.content[:n]
	if _, err := io.ReadFull(r, rec.content); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	rec.content = rec.content[:rec.h.ContentLength]
	return nil
}
