package hashtable

import (
	"bytes"
	"encoding/binary"

	"github.com/golang/snappy"

	"github.com/owendCB/kv-engine/storedvalue"
)

// CompressSnappy marks sv's datatype snappy and replaces Value with its
// snappy-compressed form, used on the write path when a caller supplies
// DatatypeSnappy.
func CompressSnappy(sv *storedvalue.StoredValue) {
	if sv.Datatype.Has(storedvalue.DatatypeSnappy) || len(sv.Value) == 0 {
		return
	}
	sv.Value = snappy.Encode(nil, sv.Value)
	sv.Datatype |= storedvalue.DatatypeSnappy
}

// DecompressSnappy returns sv's logical value bytes, decompressing if
// needed. It never mutates sv; callers that want the decompressed form
// persisted should assign the result back and clear the snappy bit
// themselves.
func DecompressSnappy(sv *storedvalue.StoredValue) ([]byte, error) {
	if !sv.Datatype.Has(storedvalue.DatatypeSnappy) {
		return sv.Value, nil
	}
	return snappy.Decode(nil, sv.Value)
}

// xattr wire layout: a 4-byte big-endian total-xattr-length prefix, followed
// by a sequence of (4-byte length, key\x00value\x00) pairs, the same
// length-prefixed shape the collections manifest uses for its binary
// system-event entries, reused here for consistency within the repo.
// System xattrs are conventionally named with a leading '_'.

// PruneUserXattrs returns a copy of an xattr-bearing value with every key
// lacking the system "_" prefix removed: the delete-with-meta path
// drops user keys from the xattr blob but preserves system ones. The
// document body (bytes after the xattr segment) is always dropped, since a
// soft-delete never retains a body.
func PruneUserXattrs(value []byte) ([]byte, error) {
	if len(value) < 4 {
		return nil, nil
	}
	xattrLen := binary.BigEndian.Uint32(value[:4])
	if int(xattrLen)+4 > len(value) {
		return nil, errXattrTruncated
	}
	body := value[4 : 4+xattrLen]

	var kept bytes.Buffer
	for len(body) > 0 {
		if len(body) < 4 {
			return nil, errXattrTruncated
		}
		pairLen := binary.BigEndian.Uint32(body[:4])
		if int(pairLen)+4 > len(body) {
			return nil, errXattrTruncated
		}
		pair := body[4 : 4+pairLen]
		body = body[4+pairLen:]

		nul := bytes.IndexByte(pair, 0)
		if nul < 0 {
			return nil, errXattrTruncated
		}
		key := pair[:nul]
		if len(key) > 0 && key[0] == '_' {
			var hdr [4]byte
			binary.BigEndian.PutUint32(hdr[:], pairLen)
			kept.Write(hdr[:])
			kept.Write(pair)
		}
	}

	out := make([]byte, 4+kept.Len())
	binary.BigEndian.PutUint32(out[:4], uint32(kept.Len()))
	copy(out[4:], kept.Bytes())
	return out, nil
}

var errXattrTruncated = xattrTruncatedError{}

type xattrTruncatedError struct{}

func (xattrTruncatedError) Error() string { return "hashtable: truncated xattr segment" }
