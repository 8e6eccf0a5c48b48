package ingest

import "fmt"

// ConfigError marks a failure that no amount of retrying will fix: a bad
// path, an unparseable DSN, an unreachable destination at startup.
type ConfigError struct {
	Stage string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error at %s: %v", e.Stage, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// TransientError marks a failure worth retrying on the next run: the
// rolled-back transaction left the watermark untouched, so the run can be
// repeated verbatim.
type TransientError struct {
	Stage string
	Err   error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error at %s: %v", e.Stage, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IntegrityError marks an inconsistent source snapshot. Retrying against
// the same snapshot will fail identically; a fresh snapshot is required.
type IntegrityError struct {
	Stage string
	Err   error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity error at %s: %v", e.Stage, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }
