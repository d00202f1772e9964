package errbatch

import (
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyBatch(t *testing.T) {
	var b Batch
	assert.True(t, b.Empty())
	assert.Nil(t, b.Summarize())
	b.Add(nil)
	assert.True(t, b.Empty())
	assert.Nil(t, b.Summarize())
}

func TestSingleError(t *testing.T) {
	var b Batch
	err := errors.New("boom")
	b.Add(err)
	require.Equal(t, 1, b.Len())
	assert.Equal(t, err, b.Summarize())
}

func TestMultipleErrors(t *testing.T) {
	var b Batch
	b.Add(errors.New("first"))
	b.Add(nil)
	b.Add(errors.New("second"))
	require.Equal(t, 2, b.Len())
	msg := b.Summarize().Error()
	assert.Contains(t, msg, "2 errors")
	assert.Contains(t, msg, "first")
	assert.Contains(t, msg, "second")
}
