// Package errbatch accumulates errors from multi-component shutdown paths
// where every component must get its chance to clean up before any error is
// reported.
package errbatch

import (
	"strings"

	"github.com/pingcap/errors"
)

// Batch collects errors. The zero value is ready to use. Not safe for
// concurrent use.
type Batch struct {
	errs []error
}

// Add records err if it is non-nil.
func (b *Batch) Add(err error) {
	if err != nil {
		b.errs = append(b.errs, err)
	}
}

// Empty reports whether no error was recorded.
func (b *Batch) Empty() bool { return len(b.errs) == 0 }

// Len returns the number of recorded errors.
func (b *Batch) Len() int { return len(b.errs) }

// Summarize folds the batch into a single error: nil when empty, the sole
// error when there is one, and a combined message otherwise.
func (b *Batch) Summarize() error {
	switch len(b.errs) {
	case 0:
		return nil
	case 1:
		return b.errs[0]
	}
	msgs := make([]string, len(b.errs))
	for i, err := range b.errs {
		msgs[i] = err.Error()
	}
	return errors.Errorf("%d errors: [%s]", len(b.errs), strings.Join(msgs, "; "))
}
