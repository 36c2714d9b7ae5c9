package rtos

// ProgramStatus reflects whether the debugged target is halted.
type ProgramStatus int

const (
	// StatusStarted is the state before the first stop.
	StatusStarted ProgramStatus = iota
	// StatusStopped means the target is halted and requests may be issued.
	StatusStopped
	// StatusRunning means the target is executing.
	StatusRunning
	// StatusExited is terminal.
	StatusExited
)

// String returns a string representation of the status.
func (s ProgramStatus) String() string {
	switch s {
	case StatusStarted:
		return "started"
	case StatusStopped:
		return "stopped"
	case StatusRunning:
		return "running"
	case StatusExited:
		return "exited"
	default:
		return "unknown"
	}
}

// DetectionStatus is the outcome of detecting a variant's kernel.
type DetectionStatus int

const (
	// DetectNone means detection has not settled; it may be retried.
	DetectNone DetectionStatus = iota
	// DetectInitialized is sticky: the variant receives refreshes.
	DetectInitialized
	// DetectFailed is sticky: the variant must not be retried.
	DetectFailed
)

// String returns a string representation of the detection status.
func (s DetectionStatus) String() string {
	switch s {
	case DetectNone:
		return "none"
	case DetectInitialized:
		return "initialized"
	case DetectFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Settled reports whether the status is terminal.
func (s DetectionStatus) Settled() bool {
	return s == DetectInitialized || s == DetectFailed
}

// ParseDetectionStatus maps the names returned by scripted variants.
// "busy" and unknown names map to DetectNone.
func ParseDetectionStatus(s string) DetectionStatus {
	switch s {
	case "initialized":
		return DetectInitialized
	case "failed":
		return DetectFailed
	default:
		return DetectNone
	}
}
