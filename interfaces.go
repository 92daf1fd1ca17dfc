package nbd

import "github.com/ehrlich-b/go-nbd/internal/interfaces"

// Backend is the set of handlers a device session calls into. See the
// interfaces package for the contract; the aliases keep one definition
// shared between the public API and the internal packages.
type (
	Backend     = interfaces.Backend
	TrimBackend = interfaces.TrimBackend
	Logger      = interfaces.Logger
	Observer    = interfaces.Observer
)
