package cpu

// FaultCode is the error code pushed by the MMU for a page fault.
type FaultCode uint32

const (
	// FaultProtection is set when the fault was caused by a page-level
	// protection violation and cleared when the page was not present.
	FaultProtection FaultCode = 1 << iota

	// FaultWrite is set when the faulting access was a write.
	FaultWrite

	// FaultUser is set when the faulting access originated in user mode.
	FaultUser
)

// IsWrite returns true if the fault was caused by a write access.
func (code FaultCode) IsWrite() bool { return code&FaultWrite != 0 }

// IsUser returns true if the fault was caused by a user-mode access.
func (code FaultCode) IsUser() bool { return code&FaultUser != 0 }

// IsProtection returns true if the page was present but the access
// violated its protection flags.
func (code FaultCode) IsProtection() bool { return code&FaultProtection != 0 }

// String describes the fault reason.
func (code FaultCode) String() string {
	var reason string
	switch code &^ FaultUser {
	case 0:
		reason = "read from non-present page"
	case FaultProtection:
		reason = "page protection violation (read)"
	case FaultWrite:
		reason = "write to non-present page"
	case FaultProtection | FaultWrite:
		reason = "page protection violation (write)"
	default:
		return "unknown"
	}

	if code.IsUser() {
		reason += " in user-mode"
	}
	return reason
}
