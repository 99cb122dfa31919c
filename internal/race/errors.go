package race

import (
	"errors"
	"fmt"
)

// Mutation failures. ErrInvalidMutation and ErrAuthFailed are the two
// roots of the rejection taxonomy; the specific sentinels wrap them so
// callers can match either the class or the exact cause with errors.Is.
var (
	ErrInvalidMutation = errors.New("invalid mutation")
	ErrAuthFailed      = errors.New("auth failed")

	ErrUnknownSector   = fmt.Errorf("%w: unknown sector", ErrInvalidMutation)
	ErrUnknownPilot    = fmt.Errorf("%w: unknown pilot", ErrInvalidMutation)
	ErrDuplicateNumber = fmt.Errorf("%w: race number already registered", ErrInvalidMutation)
	ErrRaceStarted     = fmt.Errorf("%w: race already started", ErrInvalidMutation)
	ErrUnknownPitBox   = fmt.Errorf("%w: no such pit box", ErrAuthFailed)
)
