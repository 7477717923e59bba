package scheduling

import "errors"

// Repository errors.
var (
	ErrAnalystNotFound = errors.New("analyst not found")
	ErrShiftNotFound   = errors.New("shift not found")
)
