//go:build !linux

package devices

import (
	"errors"

	"github.com/pion/mediadevices"
)

// ErrUnsupported is returned where no capture drivers are built in.
var ErrUnsupported = errors.New("media capture is only built on linux")

func newCodecSelector(int) (*mediadevices.CodecSelector, error) {
	return nil, ErrUnsupported
}
