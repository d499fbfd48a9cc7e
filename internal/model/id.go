package model

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a new job identifier. IDs are ULIDs from a monotonic source,
// so they sort lexically in submission order.
func NewID() string {
	return ulid.Make().String()
}

// ValidID reports whether s is a well-formed job identifier.
func ValidID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// IDTime returns the submission timestamp encoded in a job identifier.
func IDTime(s string) (time.Time, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(id.Time()), nil
}
