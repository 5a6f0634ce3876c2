package domain

// Verdict is the probe outcome. The numeric value is the process exit code
// expected by Nagios-compatible monitoring systems.
type Verdict int

const (
	OK       Verdict = 0
	Warning  Verdict = 1
	Critical Verdict = 2
	Unknown  Verdict = 3
)

func (v Verdict) String() string {
	switch v {
	case OK:
		return "OK"
	case Warning:
		return "WARNING"
	case Critical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ExitCode maps anything outside the four states to UNKNOWN.
func (v Verdict) ExitCode() int {
	if v < OK || v > Unknown {
		return int(Unknown)
	}
	return int(v)
}
