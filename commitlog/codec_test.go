package commitlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	keel "github.com/keeldb/keel"
)

func TestRecordCodec(t *testing.T) {
	r := &Record{
		Header: Header{
			Type:      TypeOverwrite,
			StorageID: 42,
			Xid:       keel.NewXctID(keel.Epoch(9), 17),
		},
		Key:     []byte{0, 0, 0, 0, 0, 0, 0, 5},
		Payload: []byte("hello"),
	}
	buf := r.Encode()
	assert.Equal(t, r.Length(), len(buf))

	got, n, err := DecodeRecord(buf)
	require.Nil(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, r.Header, got.Header)
	assert.Equal(t, r.Key, got.Key)
	assert.Equal(t, r.Payload, got.Payload)
}

func TestRecordCodecStream(t *testing.T) {
	a := &Record{Header: Header{Type: TypeStorageCreate, StorageID: 1}, Payload: []byte("users")}
	b := &Record{Header: Header{Type: TypeStorageDrop, StorageID: 2}}
	buf := append(a.Encode(), b.Encode()...)

	gotA, n, err := DecodeRecord(buf)
	require.Nil(t, err)
	gotB, n2, err := DecodeRecord(buf[n:])
	require.Nil(t, err)
	assert.Equal(t, len(buf), n+n2)
	assert.Equal(t, keel.StorageID(1), gotA.Header.StorageID)
	assert.Equal(t, keel.StorageID(2), gotB.Header.StorageID)
	assert.Nil(t, gotB.Payload)
}

func TestRecordCodecShortBuffer(t *testing.T) {
	r := &Record{Header: Header{Type: TypeOverwrite, StorageID: 1}, Payload: []byte("x")}
	buf := r.Encode()
	_, _, err := DecodeRecord(buf[:10])
	require.NotNil(t, err)
	_, _, err = DecodeRecord(buf[:len(buf)-1])
	require.NotNil(t, err)
}
