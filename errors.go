package keel

import "github.com/pingcap/errors"

// Coarse outcomes of the transaction API. The commit hot path returns these
// sentinels directly so that an abort allocates nothing; cold paths wrap them
// with context via pingcap/errors.
var (
	// ErrXctAlreadyRunning is returned by BeginXct on an Active worker.
	ErrXctAlreadyRunning = errors.New("xct already running")
	// ErrNoXct is returned by PrecommitXct/AbortXct on an Idle worker.
	ErrNoXct = errors.New("no running xct")
	// ErrRaceAbort means OCC verification failed or a write-set record moved
	// too far to track. The caller retries the whole transaction.
	ErrRaceAbort = errors.New("race abort")
	// ErrTimeout is returned by durability waits. The transaction, if any,
	// is still committed; only the wait gave up.
	ErrTimeout = errors.New("timeout")
	// ErrDependentModule means init/uninit ordering was violated.
	ErrDependentModule = errors.New("dependent module unavailable")
	// ErrGleanerFailed means a mapper or reducer failed and the snapshot
	// attempt was aborted without publishing anything.
	ErrGleanerFailed = errors.New("log gleaner worker failed")
	// ErrAccessSetOverflow means a transaction outgrew its configured
	// read/write set capacity. Retrying does not help; split the work.
	ErrAccessSetOverflow = errors.New("access set overflow")
)
