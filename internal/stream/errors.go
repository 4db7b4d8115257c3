package stream

import "strings"

// ErrorCategory is the classification of backend errors for logs and stats.
type ErrorCategory int

const (
	// ErrCategoryDevice indicates the device is missing, busy or was unplugged
	ErrCategoryDevice ErrorCategory = iota
	// ErrCategoryPermission indicates the process may not access the device
	ErrCategoryPermission
	// ErrCategoryFormat indicates caps negotiation or codec failures
	ErrCategoryFormat
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

// String returns a human-readable name for the category.
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryPermission:
		return "permission"
	case ErrCategoryFormat:
		return "format"
	default:
		return "unknown"
	}
}

var (
	permissionKeywords = []string{
		"permission denied",
		"not permitted",
		"access denied",
		"eacces",
	}

	formatKeywords = []string{
		"not negotiated",
		"negotiation",
		"caps",
		"format",
		"codec",
		"decode",
		"encode",
		"missing plugin",
		"no element",
	}

	deviceKeywords = []string{
		"no such device",
		"no such file",
		"cannot identify device",
		"could not open",
		"failed to open",
		"device or resource busy",
		"busy",
		"not found",
		"disconnected",
		"v4l2",
		"resource",
	}
)

// ClassifyError categorises a backend error from its message and optional
// debug string. Permission is checked first (most specific), then format,
// then device.
func ClassifyError(message, debug string) ErrorCategory {
	combined := strings.ToLower(message + " " + debug)

	switch {
	case containsAny(combined, permissionKeywords):
		return ErrCategoryPermission
	case containsAny(combined, formatKeywords):
		return ErrCategoryFormat
	case containsAny(combined, deviceKeywords):
		return ErrCategoryDevice
	default:
		return ErrCategoryUnknown
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
