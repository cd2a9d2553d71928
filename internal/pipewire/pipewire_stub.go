//go:build !linux || !cgo

package pipewire

import "errors"

var ErrLibraryNotLoaded = errors.New("pipewire capture is only supported on linux")

const PixelFormat = "bgr0"

type Stream struct{}

func IsAvailable() bool { return false }

func NewStream(fd int, nodeID uint32, width, height uint32, fps uint32) (*Stream, error) {
	return nil, ErrLibraryNotLoaded
}

func (s *Stream) Start()                     {}
func (s *Stream) Stop()                      {}
func (s *Stream) Read(p []byte) (int, error) { return 0, ErrLibraryNotLoaded }
func (s *Stream) Close() error               { return nil }
