package market

import (
	"errors"
	"fmt"
)

// ErrInsufficientHistory signals a window that is not yet warm. It is not a failure.
var ErrInsufficientHistory = errors.New("insufficient history")

// DataError reports malformed data such as a non-positive price or baseline.
type DataError struct {
	Key    SeriesKey
	Window string
	Reason string
}

func (e *DataError) Error() string {
	if e.Window != "" {
		return fmt.Sprintf("data error for %s window %s: %s", e.Key, e.Window, e.Reason)
	}
	return fmt.Sprintf("data error for %s: %s", e.Key, e.Reason)
}

// SourceUnavailableError reports a failed fetch for one exchange.
type SourceUnavailableError struct {
	Exchange string
	Err      error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.Exchange, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// EmitError reports a delivery failure after an alert already counted as fired.
type EmitError struct {
	Event AlertEvent
	Err   error
}

func (e *EmitError) Error() string {
	return fmt.Sprintf("emit %s %s on %s: %v", e.Event.Category, e.Event.Symbol, e.Event.Exchange, e.Err)
}

func (e *EmitError) Unwrap() error { return e.Err }

// IsDataError reports whether err carries a DataError.
func IsDataError(err error) bool {
	var de *DataError
	return errors.As(err, &de)
}
