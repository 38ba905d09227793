package models

import "errors"

var (
	ErrDriverNotFound         = errors.New("driver not found")
	ErrDriverFull             = errors.New("driver full")
	ErrRiderLocationUnknown   = errors.New("your location not found, wait for GPS and try again")
	ErrRiderAlreadyBooked     = errors.New("rider already has an active booking")
	ErrBookingNotFound        = errors.New("booking not found")
	ErrInvalidPayload         = errors.New("invalid payload")
	ErrNotRegistered          = errors.New("connection is not registered as a driver")
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
)

// IsDomain reports whether err is owed to the requesting client as a failure event.
func IsDomain(err error) bool {
	return errors.Is(err, ErrDriverNotFound) ||
		errors.Is(err, ErrDriverFull) ||
		errors.Is(err, ErrRiderLocationUnknown) ||
		errors.Is(err, ErrRiderAlreadyBooked) ||
		errors.Is(err, ErrBookingNotFound)
}
