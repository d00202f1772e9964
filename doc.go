package keel

/*
Keel is a main-memory transaction engine core. It implements optimistic
concurrency control coordinated by a coarse global epoch: worker threads run
transactions against in-memory storages, verify their read footprint at
commit, and publish their effects through per-thread log buffers. A snapshot
subsystem (the log gleaner) consolidates durable logs into on-disk snapshot
stores with a map/reduce pipeline.

This root package holds the identifiers shared by every subsystem: the Epoch,
the XctID stamped on every committed record version, the per-record TID word
that colocates the record lock with its current XctID, and the coarse error
codes surfaced by the transaction API.

The interesting entry points are:

  - engine.New: owns and wires all managers.
  - xct.Manager: BeginXct / PrecommitXct / AbortXct and the epoch advancer.
  - snapshot.Manager: TakeSnapshot, which runs the log gleaner.

See cmd/keel-bench for an executable that drives all of the above.
*/
