package types

import "errors"

// ProgressEvery is a count interval for periodic progress logging. Zero disables it.
type ProgressEvery int64

func (p ProgressEvery) Validate() error {
	if p < 0 {
		return errors.New("must be >= 0")
	}
	return nil
}

// Due reports whether progress should be logged once current items are done.
func (p ProgressEvery) Due(current int64) bool {
	if p <= 0 {
		return false
	}
	return current%int64(p) == 0
}

type ConcurrencyLimit int

func (c ConcurrencyLimit) Validate() error {
	if c <= 0 {
		return errors.New("must be > 0")
	}
	return nil
}
