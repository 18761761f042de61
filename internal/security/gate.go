package security

import "fmt"

// Gate pairs an immutable Policy with its AuditLog, and is the thing the
// rest of the engine (C7 dispatch, C6 payload deployment) actually calls
// into. Each check records at most one event.
type Gate struct {
	Policy *Policy
	Audit  *AuditLog
}

// NewGate builds a Gate over a policy, allocating a fresh audit log.
func NewGate(p *Policy) *Gate {
	return &Gate{Policy: p, Audit: NewAuditLog()}
}

// Decision is the structured outcome of a gate check.
type Decision struct {
	Allowed    bool
	Violations []string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(violations []string) Decision {
	return Decision{Allowed: false, Violations: violations}
}

// CheckCommand validates command text and records one command_blocked event
// per check: with "allowed": true when the command passes (as every command
// does in permissive mode), and with the violations when it is denied.
func (g *Gate) CheckCommand(command string) Decision {
	violations := g.Policy.ValidateCommand(command)
	if len(violations) == 0 {
		g.Audit.Append(Event{Kind: EventCommandBlocked, Mode: g.Policy.Mode, Details: map[string]interface{}{
			"command": command,
			"allowed": true,
		}})
		return allow()
	}
	g.Audit.Append(Event{Kind: EventCommandBlocked, Mode: g.Policy.Mode, Details: map[string]interface{}{
		"command":    command,
		"violations": violations,
	}})
	return deny(violations)
}

// CheckVolumes validates a set of host paths.
func (g *Gate) CheckVolumes(hostPaths []string) Decision {
	var violations []string
	for _, hp := range hostPaths {
		violations = append(violations, g.Policy.ValidateVolume(hp)...)
	}
	if len(violations) > 0 {
		g.Audit.Append(Event{Kind: EventSecurityViolation, Mode: g.Policy.Mode, Details: map[string]interface{}{
			"violations": violations,
			"check":      "volumes",
		}})
		return deny(violations)
	}
	return allow()
}

// CheckBinary validates an interpreter binary path before staging, always
// recording a binary_validation event regardless of outcome.
func (g *Gate) CheckBinary(binPath string) Decision {
	violations := g.Policy.ValidateBinary(binPath)
	g.Audit.Append(Event{Kind: EventBinaryValidation, Mode: g.Policy.Mode, Details: map[string]interface{}{
		"binary":  binPath,
		"allowed": len(violations) == 0,
	}})
	if len(violations) > 0 {
		return deny(violations)
	}
	return allow()
}

// CheckImage validates an image reference.
func (g *Gate) CheckImage(image string) Decision {
	violations := g.Policy.ValidateImage(image)
	if len(violations) > 0 {
		g.Audit.Append(Event{Kind: EventImageRejected, Mode: g.Policy.Mode, Details: map[string]interface{}{
			"image":      image,
			"violations": violations,
		}})
		return deny(violations)
	}
	return allow()
}

// CheckResources validates memory/cpu requests.
func (g *Gate) CheckResources(memoryBytes int64, cpus float64) Decision {
	violations := g.Policy.ValidateResources(memoryBytes, cpus)
	if len(violations) > 0 {
		g.Audit.Append(Event{Kind: EventSecurityViolation, Mode: g.Policy.Mode, Details: map[string]interface{}{
			"violations": violations,
			"check":      "resources",
		}})
		return deny(violations)
	}
	return allow()
}

// CheckPrivileged validates a privileged request.
func (g *Gate) CheckPrivileged(requested bool) Decision {
	violations := g.Policy.ValidatePrivileged(requested)
	if len(violations) > 0 {
		g.Audit.Append(Event{Kind: EventPrivilegedDenied, Mode: g.Policy.Mode, Details: map[string]interface{}{
			"violations": violations,
		}})
		return deny(violations)
	}
	return allow()
}

// Denial renders a Decision's violations as a single human-readable error
// message, suitable for a result's `error` field.
func Denial(d Decision) error {
	if d.Allowed {
		return nil
	}
	if len(d.Violations) == 1 {
		return fmt.Errorf("%s", d.Violations[0])
	}
	return fmt.Errorf("%d policy violations: %v", len(d.Violations), d.Violations)
}
