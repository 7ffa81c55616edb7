package domain

import "github.com/google/uuid"

// NewID returns a prefixed random identifier such as "agent_<uuid>".
func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// NewSecret returns an unguessable opaque token for claim links and sessions.
func NewSecret() string {
	return uuid.NewString() + uuid.NewString()
}
