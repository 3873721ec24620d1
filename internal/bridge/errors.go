package bridge

import (
	"errors"
	"fmt"
)

// ErrPermissionDenied reports that the platform refused unit creation for
// lack of rights. The engine stops trying to create units for the identity
// until an operator links one manually.
var ErrPermissionDenied = errors.New("platform permission denied")

// ErrUnitsUnsupported reports that the platform or surface has no concept of
// units (e.g., the admin chat is not a forum supergroup). Same fallback as
// ErrPermissionDenied.
var ErrUnitsUnsupported = errors.New("units not supported on this surface")

// ErrNoManagementSurface reports that no management surface is configured or
// registered yet; forwarding cannot happen until one exists.
var ErrNoManagementSurface = errors.New("management surface not configured")

// SendError wraps a failed platform send with the platform's raw error text.
type SendError struct {
	Platform PlatformType
	Raw      string
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s send failed: %s", e.Platform, e.Raw)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// NewSendError builds a SendError from a platform error.
func NewSendError(platform PlatformType, err error) *SendError {
	if err == nil {
		return nil
	}
	return &SendError{Platform: platform, Raw: err.Error(), Err: err}
}
