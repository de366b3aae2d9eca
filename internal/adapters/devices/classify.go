package devices

import (
	"errors"
	"os"
	"strings"
	"syscall"

	"github.com/dkeye/Call/internal/domain"
)

// Classify maps a capture failure to a device error code. Unknown failures
// classify as DeviceNotFound.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var ce *domain.CallError
	if errors.As(err, &ce) {
		return ce
	}
	return domain.NewCallError(classifyCode(err), err)
}

func classifyCode(err error) domain.Code {
	switch {
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return domain.CodeDeviceAccessDenied
	case errors.Is(err, syscall.EBUSY):
		return domain.CodeDeviceBusy
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.ENOENT):
		return domain.CodeDeviceNotFound
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "not allowed"), strings.Contains(msg, "access denied"):
		return domain.CodeDeviceAccessDenied
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return domain.CodeDeviceBusy
	default:
		return domain.CodeDeviceNotFound
	}
}
