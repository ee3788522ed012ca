package drm

import "fmt"

// Errno is a DRMAA v1 error number.
type Errno int

// DRMAA v1 error numbers.
const (
	ErrnoSuccess                   Errno = 0
	ErrnoInternalError             Errno = 1
	ErrnoDRMCommunicationFailure   Errno = 2
	ErrnoAuthFailure               Errno = 3
	ErrnoInvalidArgument           Errno = 4
	ErrnoNoActiveSession           Errno = 5
	ErrnoNoMemory                  Errno = 6
	ErrnoInvalidContactString      Errno = 7
	ErrnoDefaultContactStringError Errno = 8
	ErrnoNoDefaultContactString    Errno = 9
	ErrnoDRMSInitFailed            Errno = 10
	ErrnoAlreadyActiveSession      Errno = 11
	ErrnoDRMSExitError             Errno = 12
	ErrnoInvalidAttributeFormat    Errno = 13
	ErrnoInvalidAttributeValue     Errno = 14
	ErrnoConflictingAttributes     Errno = 15
	ErrnoTryLater                  Errno = 16
	ErrnoDeniedByDRM               Errno = 17
	ErrnoInvalidJob                Errno = 18
	ErrnoResumeInconsistentState   Errno = 19
	ErrnoSuspendInconsistentState  Errno = 20
	ErrnoHoldInconsistentState     Errno = 21
	ErrnoReleaseInconsistentState  Errno = 22
	ErrnoExitTimeout               Errno = 23
	ErrnoNoRusage                  Errno = 24
	ErrnoNoMoreElements            Errno = 25
)

// VendorError is a failure reported by a Backend.
type VendorError struct {
	Code    Errno
	Message string
}

// NewVendorError returns a VendorError with a formatted message.
func NewVendorError(code Errno, format string, args ...any) *VendorError {
	return &VendorError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("code %d: %s", int(e.Code), e.Message)
}
