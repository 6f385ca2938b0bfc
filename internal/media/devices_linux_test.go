//go:build linux

package media

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	for msg, want := range map[string]AcquisitionReason{
		"open /dev/video0: permission denied": ReasonPermissionDenied,
		"operation not permitted":             ReasonPermissionDenied,
		"audio device not found":              ReasonNoDevice,
		"open /dev/video9: no such file":      ReasonNoDevice,
		"device busy":                         ReasonUnavailable,
	} {
		got := classify(errors.New(msg))
		assert.Equal(t, want, got.Reason, msg)
		assert.EqualError(t, got.Err, msg)
	}
}
