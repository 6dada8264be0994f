package model

import (
	"errors"
	"fmt"
)

var (
	ErrBadRequest   = errors.New("bad request")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")

	ErrUpstream = errors.New("upstream error")
	// ErrUpstreamNetwork and ErrUpstreamUnavailable are transient and retried
	// by the completion gateway.
	ErrUpstreamNetwork     = fmt.Errorf("network: %w", ErrUpstream)
	ErrUpstreamUnavailable = fmt.Errorf("unavailable: %w", ErrUpstream)
	ErrUpstreamRejected    = fmt.Errorf("request rejected: %w", ErrUpstream)

	ErrUpstreamRateLimited     = fmt.Errorf("upstream quota exceeded: %w", ErrRateLimited)
	ErrUpstreamInvalidResponse = errors.New("upstream invalid response")
)

func IsRetriable(err error) bool {
	return errors.Is(err, ErrUpstreamNetwork) || errors.Is(err, ErrUpstreamUnavailable)
}
