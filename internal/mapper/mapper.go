// Package mapper converts between Cloud Notification Messages and Cumulus granules, and
// builds the CNM response documents returned to providers.
package mapper

import (
	"errors"
	"fmt"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/nasa-cumulus/cnm-tasks/internal/log"
)

var (
	ErrGranuleIDExtraction        = errors.New("granule id does not match granuleIdExtraction")
	ErrInvalidGranuleIDExtraction = errors.New("invalid granuleIdExtraction")
	ErrMissingGranule             = errors.New("a granule is required for a SUCCESS response")
)

// IllegalSizeError is returned for a file whose size is present but not positive.
type IllegalSizeError struct {
	File string
	Size float64
}

func (e *IllegalSizeError) Error() string {
	return fmt.Sprintf("illegal size %v for file %s", e.Size, e.File)
}

type Config struct {
	// Clock provides the time stamped onto generated documents. Defaults to time.Now.
	Clock func() time.Time
	// NewIdentifier mints identifiers for documents that lack one. Defaults to uuid.NewString.
	NewIdentifier func() string
	// StrictGranuleIDExtraction makes a granuleIdExtraction mismatch an error instead of a warning.
	StrictGranuleIDExtraction bool
	Logger                    log.Logger
}

type Mapper struct {
	clock         func() time.Time
	newIdentifier func() string
	strict        bool
	logger        log.Logger
}

func New(cfg Config) *Mapper {
	m := &Mapper{
		clock:         cfg.Clock,
		newIdentifier: cfg.NewIdentifier,
		strict:        cfg.StrictGranuleIDExtraction,
		logger:        cfg.Logger,
	}
	if m.clock == nil {
		m.clock = time.Now
	}
	if m.newIdentifier == nil {
		m.newIdentifier = uuid.NewString
	}
	if m.logger == nil {
		m.logger = kitlog.NewNopLogger()
	}
	return m
}
