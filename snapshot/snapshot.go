// Package snapshot turns durable logs into on-disk snapshot stores. The log
// gleaner orchestrates per-logger mappers and per-node reducers in a
// map/reduce shape; the manager wraps one gleaner run per snapshot and
// publishes metadata only on full success.
package snapshot

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"

	keel "github.com/keeldb/keel"
)

// Snapshot describes one snapshot: which epochs it covers and where its
// artifacts live.
type Snapshot struct {
	ID               uint64         `toml:"id"`
	BaseEpoch        keel.Epoch     `toml:"base-epoch"`
	ValidUntilEpoch  keel.Epoch     `toml:"valid-until-epoch"`
	LargestStorageID keel.StorageID `toml:"largest-storage-id"`
	Dir              string         `toml:"-"`
}

// StorageMeta is the per-storage root metadata constructRootPages assembles
// from reducer outputs. Keys are hex-encoded for the toml file.
type StorageMeta struct {
	ID       keel.StorageID `toml:"id"`
	Name     string         `toml:"name"`
	Records  uint64         `toml:"records"`
	FirstKey string         `toml:"first-key"`
	LastKey  string         `toml:"last-key"`
}

// Metadata is the snapshot metadata file content.
type Metadata struct {
	Snapshot Snapshot      `toml:"snapshot"`
	Storages []StorageMeta `toml:"storages"`
}

const (
	metadataFile  = "metadata.toml"
	nonrecordFile = "nonrecord.log.lz4"
)

// NodeStoreDir is where node's reducer dumps its consolidated records.
func (s *Snapshot) NodeStoreDir(node int) string {
	return filepath.Join(s.Dir, "node-"+strconv.Itoa(node))
}

// MetadataPath is the snapshot's metadata file.
func (s *Snapshot) MetadataPath() string { return filepath.Join(s.Dir, metadataFile) }

// NonrecordLogPath is the accumulated engine/storage log file.
func (s *Snapshot) NonrecordLogPath() string { return filepath.Join(s.Dir, nonrecordFile) }

// WriteMetadata publishes the metadata file. This is the snapshot's commit
// point: a snapshot without metadata is garbage to be reclaimed.
func (m *Metadata) WriteMetadata(s *Snapshot) error {
	f, err := os.Create(s.MetadataPath())
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(m); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// ReadMetadata loads a published snapshot's metadata.
func ReadMetadata(s *Snapshot) (*Metadata, error) {
	var m Metadata
	if _, err := toml.DecodeFile(s.MetadataPath(), &m); err != nil {
		return nil, errors.WithStack(err)
	}
	return &m, nil
}
