package commitlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	keel "github.com/keeldb/keel"
)

type captureSink struct {
	epochs  []keel.Epoch
	batches [][]*Record
}

func (s *captureSink) appendBatch(_ keel.ThreadID, e keel.Epoch, records []*Record) {
	s.epochs = append(s.epochs, e)
	s.batches = append(s.batches, records)
}

func rec(t RecordType, sid keel.StorageID) *Record {
	return &Record{Header: Header{Type: t, StorageID: sid}}
}

func TestRecordKinds(t *testing.T) {
	assert.Equal(t, KindRecord, TypeOverwrite.Kind())
	assert.Equal(t, KindRecord, TypeInsert.Kind())
	assert.Equal(t, KindRecord, TypeDelete.Kind())
	assert.Equal(t, KindRecord, TypeAppend.Kind())
	assert.Equal(t, KindStorage, TypeStorageCreate.Kind())
	assert.Equal(t, KindStorage, TypeStorageDrop.Kind())
	assert.Equal(t, KindEngine, TypeEngineMark.Kind())
	assert.Equal(t, KindInvalid, TypeInvalid.Kind())
}

func TestBufferPublish(t *testing.T) {
	sink := &captureSink{}
	buf := NewBuffer(3, sink)
	assert.Equal(t, 0, buf.OffsetTail())
	assert.Equal(t, 0, buf.OffsetCommitted())

	buf.Add(rec(TypeOverwrite, 1))
	buf.Add(rec(TypeOverwrite, 1))
	assert.Equal(t, 2, buf.OffsetTail())
	assert.Equal(t, 0, buf.OffsetCommitted())

	buf.PublishCommittedLog(keel.Epoch(7))
	assert.Equal(t, 2, buf.OffsetCommitted())
	require.Len(t, sink.batches, 1)
	assert.Len(t, sink.batches[0], 2)
	assert.Equal(t, keel.Epoch(7), sink.epochs[0])

	// empty publishes are swallowed
	buf.PublishCommittedLog(keel.Epoch(8))
	assert.Len(t, sink.batches, 1)
}

func TestBufferDiscard(t *testing.T) {
	sink := &captureSink{}
	buf := NewBuffer(0, sink)
	buf.Add(rec(TypeOverwrite, 1))
	buf.PublishCommittedLog(keel.Epoch(5))

	buf.Add(rec(TypeDelete, 1))
	buf.Add(rec(TypeDelete, 1))
	assert.Equal(t, 3, buf.OffsetTail())
	buf.DiscardCurrentXctLog()
	assert.Equal(t, 1, buf.OffsetTail())
	assert.Equal(t, 1, buf.OffsetCommitted())
	assert.Len(t, sink.batches, 1)
}

func TestInCommitEpochGuard(t *testing.T) {
	buf := NewBuffer(0, &captureSink{})
	assert.False(t, buf.InCommitEpoch().Valid())
	buf.SetInCommitEpoch(keel.Epoch(9))
	assert.Equal(t, keel.Epoch(9), buf.InCommitEpoch())
	buf.ClearInCommitEpoch()
	assert.False(t, buf.InCommitEpoch().Valid())
}
