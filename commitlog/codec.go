package commitlog

import (
	"encoding/binary"

	"github.com/pingcap/errors"

	keel "github.com/keeldb/keel"
)

// wire layout: type(2) pad(2) storage(4) xid(8) keyLen(4) payloadLen(4)
// key payload
const headerWireSize = 24

// Encode serializes the record for the gleaner's nonrecord buffer and file.
func (r *Record) Encode() []byte {
	buf := make([]byte, headerWireSize+len(r.Key)+len(r.Payload))
	binary.BigEndian.PutUint16(buf[0:], uint16(r.Header.Type))
	binary.BigEndian.PutUint32(buf[4:], uint32(r.Header.StorageID))
	binary.BigEndian.PutUint64(buf[8:], uint64(r.Header.Xid))
	binary.BigEndian.PutUint32(buf[16:], uint32(len(r.Key)))
	binary.BigEndian.PutUint32(buf[20:], uint32(len(r.Payload)))
	copy(buf[headerWireSize:], r.Key)
	copy(buf[headerWireSize+len(r.Key):], r.Payload)
	return buf
}

// DecodeRecord parses one record from buf, returning it and the bytes
// consumed.
func DecodeRecord(buf []byte) (*Record, int, error) {
	if len(buf) < headerWireSize {
		return nil, 0, errors.New("short record header")
	}
	keyLen := int(binary.BigEndian.Uint32(buf[16:]))
	payloadLen := int(binary.BigEndian.Uint32(buf[20:]))
	total := headerWireSize + keyLen + payloadLen
	if len(buf) < total {
		return nil, 0, errors.Errorf("short record: want %d bytes, have %d", total, len(buf))
	}
	r := &Record{
		Header: Header{
			Type:      RecordType(binary.BigEndian.Uint16(buf[0:])),
			StorageID: keel.StorageID(binary.BigEndian.Uint32(buf[4:])),
			Xid:       keel.XctID(binary.BigEndian.Uint64(buf[8:])),
		},
	}
	if keyLen > 0 {
		r.Key = append([]byte{}, buf[headerWireSize:headerWireSize+keyLen]...)
	}
	if payloadLen > 0 {
		r.Payload = append([]byte{}, buf[headerWireSize+keyLen:total]...)
	}
	return r, total, nil
}
