package uapi

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

// Wire frame sizes. The request header is a packed 28-byte structure and
// the reply header a packed 16-byte structure; both are big-endian with no
// alignment padding, byte-identical to the kernel's struct nbd_request and
// struct nbd_reply.
const (
	RequestSize = 28
	ReplySize   = 16
)

// HandleSize is the length of the opaque per-request identifier chosen by
// the kernel and echoed verbatim in the matching reply.
const HandleSize = 8

var ErrShortFrame = errors.New("uapi: buffer shorter than frame")

// Request mirrors struct nbd_request:
//
//	__be32 magic;
//	__be32 type;
//	char   handle[8];
//	__be64 from;
//	__be32 len;
type Request struct {
	Magic  uint32
	Type   uint32
	Handle [HandleSize]byte
	From   uint64
	Len    uint32
}

// Reply mirrors struct nbd_reply:
//
//	__be32 magic;
//	__be32 error;
//	char   handle[8];
type Reply struct {
	Magic  uint32
	Error  uint32
	Handle [HandleSize]byte
}

// UnmarshalRequest decodes a 28-byte request header into r.
func UnmarshalRequest(data []byte, r *Request) error {
	if len(data) < RequestSize {
		return ErrShortFrame
	}

	r.Magic = binary.BigEndian.Uint32(data[0:4])
	r.Type = binary.BigEndian.Uint32(data[4:8])
	copy(r.Handle[:], data[8:16])
	r.From = binary.BigEndian.Uint64(data[16:24])
	r.Len = binary.BigEndian.Uint32(data[24:28])

	return nil
}

// MarshalRequest encodes r into a fresh 28-byte frame.
func MarshalRequest(r *Request) []byte {
	buf := make([]byte, RequestSize)

	binary.BigEndian.PutUint32(buf[0:4], r.Magic)
	binary.BigEndian.PutUint32(buf[4:8], r.Type)
	copy(buf[8:16], r.Handle[:])
	binary.BigEndian.PutUint64(buf[16:24], r.From)
	binary.BigEndian.PutUint32(buf[24:28], r.Len)

	return buf
}

// PutReply encodes r into buf, which must hold at least ReplySize bytes.
// The reply path encodes into a per-request scratch buffer, so this variant
// avoids an allocation per reply.
func PutReply(buf []byte, r *Reply) error {
	if len(buf) < ReplySize {
		return ErrShortFrame
	}

	binary.BigEndian.PutUint32(buf[0:4], r.Magic)
	binary.BigEndian.PutUint32(buf[4:8], r.Error)
	copy(buf[8:16], r.Handle[:])

	return nil
}

// MarshalReply encodes r into a fresh 16-byte frame.
func MarshalReply(r *Reply) []byte {
	buf := make([]byte, ReplySize)
	_ = PutReply(buf, r)
	return buf
}

// UnmarshalReply decodes a 16-byte reply header into r.
func UnmarshalReply(data []byte, r *Reply) error {
	if len(data) < ReplySize {
		return ErrShortFrame
	}

	r.Magic = binary.BigEndian.Uint32(data[0:4])
	r.Error = binary.BigEndian.Uint32(data[4:8])
	copy(r.Handle[:], data[8:16])

	return nil
}

// ReplyErrno maps a backend error to the 32-bit NBD error code carried in
// the reply header. Codes mirror POSIX errno values; anything that does not
// unwrap to an errno reports EIO.
func ReplyErrno(err error) uint32 {
	if err == nil {
		return 0
	}

	var errno unix.Errno
	if errors.As(err, &errno) {
		return uint32(errno)
	}

	return uint32(unix.EIO)
}
