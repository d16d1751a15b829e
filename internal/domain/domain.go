package domain

import "errors"

// Role identifies which party a signature obligation belongs to. Exactly one
// signature request per (lease, role) may be outstanding at a time.
type Role string

const (
	RoleTenant   Role = "tenant"
	RoleLandlord Role = "landlord"
)

func (r Role) Valid() bool { return r == RoleTenant || r == RoleLandlord }

// Error taxonomy. Handlers map each sentinel to a distinct status code and
// plain-language message; none of these bubble up as generic failures.
var (
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("not found")
	ErrExpired          = errors.New("signing link expired")
	ErrAlreadyCompleted = errors.New("already signed")
	ErrProviderAuth     = errors.New("provider authorization failed")
	ErrProviderAPI      = errors.New("provider request failed")
	ErrStorage          = errors.New("artifact storage failed")
	ErrMalformedWebhook = errors.New("malformed webhook payload")
)
