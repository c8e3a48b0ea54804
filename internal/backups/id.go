package backups

import "github.com/google/uuid"

// IDProvider issues conflict identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues time-ordered UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return uuidProvider{}
}

func (uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
