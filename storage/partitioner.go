package storage

import (
	"encoding/binary"

	farm "github.com/dgryski/go-farm"

	keel "github.com/keeldb/keel"
)

// Partitioner routes a record key to the NUMA node whose reducer owns it
// during a snapshot. Partitioners are immutable once built; the gleaner
// caches one per storage.
type Partitioner interface {
	StorageID() keel.StorageID
	// Locate returns the owning node in [0, numNodes).
	Locate(key []byte) int
}

// rangePartitioner splits an array storage's offset space into contiguous
// stripes, one per node, so a node's reducer sees dense offset runs.
type rangePartitioner struct {
	id      keel.StorageID
	perNode uint64
	nodes   int
}

func newRangePartitioner(id keel.StorageID, records, numNodes int) Partitioner {
	perNode := uint64(records+numNodes-1) / uint64(numNodes)
	if perNode == 0 {
		perNode = 1
	}
	return &rangePartitioner{id: id, perNode: perNode, nodes: numNodes}
}

func (p *rangePartitioner) StorageID() keel.StorageID { return p.id }

func (p *rangePartitioner) Locate(key []byte) int {
	if len(key) < 8 {
		return 0
	}
	node := int(binary.BigEndian.Uint64(key) / p.perNode)
	if node >= p.nodes {
		node = p.nodes - 1
	}
	return node
}

// hashPartitioner spreads arbitrary keys with a stable fingerprint.
type hashPartitioner struct {
	id    keel.StorageID
	nodes uint64
}

func newHashPartitioner(id keel.StorageID, numNodes int) Partitioner {
	return &hashPartitioner{id: id, nodes: uint64(numNodes)}
}

func (p *hashPartitioner) StorageID() keel.StorageID { return p.id }

func (p *hashPartitioner) Locate(key []byte) int {
	return int(farm.Fingerprint64(key) % p.nodes)
}
