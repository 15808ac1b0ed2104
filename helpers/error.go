package helpers

import (
	"io"
	"strings"

	"github.com/juju/errors"
)

// FoldErrors joins non-nil errors into one, nil when none.
// Single error is returned as is to keep its Cause().
func FoldErrors(errs []error) error {
	ss := make([]string, 0, len(errs))
	var single error
	for _, e := range errs {
		if e != nil {
			single = e
			ss = append(ss, e.Error())
		}
	}
	switch len(ss) {
	case 0:
		return nil
	case 1:
		return single
	}
	return errors.New(strings.Join(ss, "\n"))
}

// CloseAll closes every non-nil closer, in order, and folds errors.
func CloseAll(cs ...io.Closer) error {
	errs := make([]error, 0, len(cs))
	for _, c := range cs {
		if c != nil {
			errs = append(errs, c.Close())
		}
	}
	return FoldErrors(errs)
}
