package provider

import "errors"

var (
	// ErrProviderUnavailable indicates an authentication or reachability
	// failure while establishing a provider connection.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrConnectTimeout indicates the provider did not accept the connection
	// within the connect deadline.
	ErrConnectTimeout = errors.New("provider connect timeout")

	// ErrAlreadyConnected is returned by Connect on a connected adapter.
	ErrAlreadyConnected = errors.New("provider already connected")

	// ErrNotConnected is returned by operations that require an established
	// connection.
	ErrNotConnected = errors.New("provider not connected")
)
