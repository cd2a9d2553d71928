//go:build !linux || !cgo

package capture

import "log/slog"

// NewPlatformBackend returns the native capture backend for this platform.
// Only linux with cgo has one; other builds can still use the fake backend.
func NewPlatformBackend(logger *slog.Logger, opts PlatformOptions) (Backend, error) {
	return nil, ErrNotSupported
}
