// Package policy implements the read-time access policy described in spec
// §4.6: the single point of translation between a source's internal
// {ok,value}/{error,reason} outcome and the caller-visible shape of Get.
package policy

import (
	"github.com/hanpama/loadcore/internal/loaderr"
	"github.com/hanpama/loadcore/internal/source"
)

// Policy selects how Get/GetMany shape a failed read.
type Policy int

const (
	// RaiseOnError returns the value on success, or a *loaderr.GetFailure
	// error on failure. This is the default.
	RaiseOnError Policy = iota
	// ReturnNilOnError returns the value on success, or (nil, nil) on
	// failure — errors are swallowed.
	ReturnNilOnError
	// Tuples always returns the raw (value, err) pair, passing the
	// source's outcome through unshaped.
	Tuples
)

// Apply shapes a single source outcome according to p. sourceName,
// batchKey and itemKey are only used to build a *loaderr.GetFailure under
// RaiseOnError.
func Apply(p Policy, sourceName string, batchKey, itemKey any, oc source.Outcome) (any, error) {
	if oc.OK {
		return oc.Value, nil
	}
	switch p {
	case RaiseOnError:
		return nil, &loaderr.GetFailure{Source: sourceName, BatchKey: batchKey, ItemKey: itemKey, Cause: oc.Err}
	case ReturnNilOnError:
		return nil, nil
	case Tuples:
		return nil, oc.Err
	default:
		return nil, &loaderr.GetFailure{Source: sourceName, BatchKey: batchKey, ItemKey: itemKey, Cause: oc.Err}
	}
}

// Valid reports whether p is one of the recognized policy values.
func (p Policy) Valid() bool {
	switch p {
	case RaiseOnError, ReturnNilOnError, Tuples:
		return true
	default:
		return false
	}
}

func (p Policy) String() string {
	switch p {
	case RaiseOnError:
		return "raise_on_error"
	case ReturnNilOnError:
		return "return_nil_on_error"
	case Tuples:
		return "tuples"
	default:
		return "unknown"
	}
}
