//go:build !linux

package media

import (
	"context"
	"fmt"
	"runtime"
)

// noDevices reports every capture request as lacking a device. Peer
// connections built on it still receive remote media.
type noDevices struct{}

// NewPlatformDevices returns the capture backend for this OS.
func NewPlatformDevices() (Devices, error) {
	log.Infof("local capture is not available on %s", runtime.GOOS)
	return noDevices{}, nil
}

func (noDevices) GetUserMedia(context.Context, Constraints) (*LocalStream, error) {
	return nil, &MediaAcquisitionError{
		Reason: ReasonNoDevice,
		Err:    fmt.Errorf("local capture is not supported on %s", runtime.GOOS),
	}
}
