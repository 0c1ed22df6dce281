package encore

import (
	"errors"
)

var (
	// ErrContentUnavailable means both the cache and the network failed for
	// a URL; callers render a fallback state instead of crashing.
	ErrContentUnavailable = errors.New("content unavailable from cache and network")

	// ErrFetchFailed wraps proxy-level fetch failures.
	ErrFetchFailed = errors.New("proxy fetch failed")

	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("engine is closed")
)
