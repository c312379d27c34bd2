package dataplane

import (
	"github.com/psaab/flowfw/pkg/errors"
	"github.com/psaab/flowfw/pkg/ruleset"
	"github.com/psaab/flowfw/pkg/table"
)

var errorKinds = []struct {
	err  error
	kind errors.Kind
}{
	{ErrNoGroup, errors.KindNotFound},
	{ErrNoTable, errors.KindNotFound},
	{ruleset.ErrNotFound, errors.KindNotFound},
	{table.ErrNotFound, errors.KindNotFound},
	{table.ErrExists, errors.KindConflict},
	{table.ErrReadOnly, errors.KindValidation},
	{table.ErrHostOnly, errors.KindValidation},
	{ruleset.ErrNotDynamic, errors.KindValidation},
	{ruleset.ErrDynamicRule, errors.KindValidation},
}

// ErrorKind classifies an error returned by a control operation.
func ErrorKind(err error) errors.Kind {
	if k := errors.GetKind(err); k != errors.KindUnknown {
		return k
	}
	for _, ek := range errorKinds {
		if errors.Is(err, ek.err) {
			return ek.kind
		}
	}
	return errors.KindInternal
}
