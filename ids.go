package keel

// StorageID identifies a storage instance engine-wide. IDs are allocated
// densely from 1; 0 is never a real storage.
type StorageID uint32

// ThreadID identifies a worker context. Worker i of NUMA group g gets id
// g*threadsPerGroup+i; the id doubles as the MCS lock owner tag.
type ThreadID uint16
