package service

import (
	"errors"
	"fmt"

	"example.com/backstage/services/registry/internal/repository"
)

// Registry error taxonomy
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("device already exists")
	ErrNotFound     = errors.New("device not found")
	ErrStore        = errors.New("store failure")
	ErrTransport    = errors.New("transport failure")
)

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// classify maps repository errors onto the taxonomy; errors that already
// belong to it pass through
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrConflict),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrStore), errors.Is(err, ErrTransport):
		return err
	case errors.Is(err, repository.ErrDuplicateKey):
		return ErrConflict
	case errors.Is(err, repository.ErrNotFound):
		return ErrNotFound
	default:
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
}
