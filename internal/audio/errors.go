package audio

import (
	"errors"
	"fmt"
	"strings"
)

// Normalized capture failures. Backends wrap one of these so callers can
// use errors.Is without knowing which variant is running.
var (
	ErrDeviceBusy        = errors.New("audio: device busy")
	ErrDeviceNotFound    = errors.New("audio: device not found")
	ErrFormatUnsupported = errors.New("audio: format unsupported")
	ErrProcessExited     = errors.New("audio: capture process exited unexpectedly")
	ErrReadTimeout       = errors.New("audio: read timeout")
)

// classify maps a backend diagnostic onto the taxonomy. It returns nil
// when the message matches nothing known.
func classify(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "busy"):
		return ErrDeviceBusy
	case strings.Contains(lower, "no such"),
		strings.Contains(lower, "not found"),
		strings.Contains(lower, "no device"),
		strings.Contains(lower, "does not exist"),
		strings.Contains(lower, "unknown target"):
		return ErrDeviceNotFound
	case strings.Contains(lower, "format"),
		strings.Contains(lower, "sample rate"),
		strings.Contains(lower, "not supported"),
		strings.Contains(lower, "unsupported"):
		return ErrFormatUnsupported
	}
	return nil
}

// normalize wraps err with its taxonomy class, falling back to def.
func normalize(err error, def error) error {
	if err == nil {
		return nil
	}
	if class := classify(err.Error()); class != nil {
		return fmt.Errorf("%w: %v", class, err)
	}
	if def != nil {
		return fmt.Errorf("%w: %v", def, err)
	}
	return err
}
