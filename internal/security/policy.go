// Package security implements the C2 gate: command/volume/binary validation
// against a SecurityPolicy, and the bounded-ring-buffer audit log.
//
// The banned-pattern shape (regexes and literal substrings over raw command
// text) follows a command-policy gate found elsewhere in the retrieved
// corpus: in moderate and strict mode any banned match denies the command,
// and permissive mode skips the command check. There is no approval tier;
// volumes, binaries, images, resources and privilege have their own
// mode-specific checks below.
package security

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rexxfleet/orchestrator/internal/command"
)

// Mode is the policy's enforcement level.
type Mode string

const (
	ModePermissive Mode = "permissive"
	ModeModerate   Mode = "moderate"
	ModeStrict     Mode = "strict"
)

// Policy is an immutable security policy, built once per handler instance.
type Policy struct {
	Mode               Mode
	MaxMemoryBytes     int64
	MaxCPUs            float64
	AllowPrivileged    bool
	AllowedVolumePaths []string
	AllowedImages      map[string]bool
	TrustedBinaries    map[string]bool
	BannedSubstrings   []string
	BannedPatterns     []*regexp.Regexp

	// AutoStopBases records the configured auto_stop_bases setting (default
	// false); register_base does not consult it and refuses a running source
	// unless the command itself passes auto_stop=true. SudoRetryExec
	// and SudoRetryTransfer default to true/false (retry exec-like ops once
	// with sudo, never raw file transfer); cmd/fleetengine's remote targets
	// set these same defaults on remote.Endpoint and do not read them from
	// the policy.
	AutoStopBases      bool
	SudoRetryExec      bool
	SudoRetryTransfer  bool
	WorkingDir         string // engine CWD, used for moderate-mode fallbacks
}

// DefaultBannedPatterns mirrors the dangerous-command shapes every mode
// (except permissive) rejects outright: recursive delete of system paths,
// raw block-device writes, background execution, chained deletes, and
// remote-code-execution pipelines.
func DefaultBannedPatterns() []string {
	return []string{
		`rm\s+-rf\s+/($|\s)`,
		`rm\s+-rf\s+/\*`,
		`rm\s+--no-preserve-root`,
		`dd\s+.*of=/dev/`,
		`>\s*/dev/sd`,
		`>\s*/dev/nvme`,
		`;\s*rm\s+-rf`,
		`&\s*$`,
		`curl[^|]*\|\s*(ba)?sh`,
		`wget[^|]*\|\s*(ba)?sh`,
		`mkfs(\.\w+)?\s`,
	}
}

// Option configures a Policy at construction.
type Option func(*Policy)

// New builds a Policy. mode, maxMemory, and maxCPUs are required; negative
// limits fail initialization (the one unrecoverable error this package
// defines, per spec.md §7: malformed policy config fails startup).
func New(mode Mode, maxMemoryBytes int64, maxCPUs float64, opts ...Option) (*Policy, error) {
	if maxMemoryBytes < 0 || maxCPUs < 0 {
		return nil, fmt.Errorf("security: negative limit in policy configuration")
	}
	switch mode {
	case ModePermissive, ModeModerate, ModeStrict:
	case "":
		mode = ModeModerate
	default:
		return nil, fmt.Errorf("security: unknown policy mode %q", mode)
	}

	p := &Policy{
		Mode:              mode,
		MaxMemoryBytes:    maxMemoryBytes,
		MaxCPUs:           maxCPUs,
		AllowedImages:     map[string]bool{},
		TrustedBinaries:   map[string]bool{},
		SudoRetryExec:     true,
		SudoRetryTransfer: false,
	}
	for _, pattern := range DefaultBannedPatterns() {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("security: invalid built-in pattern %q: %w", pattern, err)
		}
		p.BannedPatterns = append(p.BannedPatterns, re)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// WithAllowedVolumePaths sets the allow-list of absolute host path prefixes.
func WithAllowedVolumePaths(paths ...string) Option {
	return func(p *Policy) { p.AllowedVolumePaths = append(p.AllowedVolumePaths, paths...) }
}

// WithAllowedImages sets the strict-mode image allow-list.
func WithAllowedImages(images ...string) Option {
	return func(p *Policy) {
		for _, img := range images {
			p.AllowedImages[img] = true
		}
	}
}

// WithTrustedBinaries sets the set of interpreter binary paths trusted for
// staging regardless of mode.
func WithTrustedBinaries(paths ...string) Option {
	return func(p *Policy) {
		for _, path := range paths {
			p.TrustedBinaries[filepath.Clean(path)] = true
		}
	}
}

// WithBannedSubstrings adds extra literal substrings to reject in command
// text, beyond the regex patterns.
func WithBannedSubstrings(subs ...string) Option {
	return func(p *Policy) { p.BannedSubstrings = append(p.BannedSubstrings, subs...) }
}

// WithExtraBannedPatterns compiles and appends additional regex patterns.
func WithExtraBannedPatterns(patterns ...string) Option {
	return func(p *Policy) {
		for _, pattern := range patterns {
			if re, err := regexp.Compile(pattern); err == nil {
				p.BannedPatterns = append(p.BannedPatterns, re)
			}
		}
	}
}

// WithWorkingDir sets the engine's CWD, consulted by moderate-mode fallbacks.
func WithWorkingDir(dir string) Option {
	return func(p *Policy) { p.WorkingDir = dir }
}

// WithAutoStopBases sets Policy.AutoStopBases. Dispatch does not read the
// field; stopping a running register_base source needs auto_stop=true on
// the command.
func WithAutoStopBases(v bool) Option {
	return func(p *Policy) { p.AutoStopBases = v }
}

// WithSudoRetry overrides the default sudo-retry behavior for exec-like ops
// and raw file transfer respectively.
func WithSudoRetry(execRetry, transferRetry bool) Option {
	return func(p *Policy) {
		p.SudoRetryExec = execRetry
		p.SudoRetryTransfer = transferRetry
	}
}

// ValidateCommand rejects command if it contains a banned substring or
// matches a banned regex. An empty violation list means allow.
func (p *Policy) ValidateCommand(cmd string) []string {
	if p.Mode == ModePermissive {
		return nil
	}
	var violations []string
	for _, sub := range p.BannedSubstrings {
		if sub != "" && strings.Contains(cmd, sub) {
			violations = append(violations, fmt.Sprintf("command contains banned substring %q", sub))
		}
	}
	for _, re := range p.BannedPatterns {
		if re.MatchString(cmd) {
			violations = append(violations, fmt.Sprintf("command matches banned pattern %q", re.String()))
		}
	}
	return violations
}

// ValidateVolume checks the host path of one bind mount against the policy
// mode.
func (p *Policy) ValidateVolume(hostPath string) []string {
	if p.Mode == ModePermissive {
		return nil
	}
	clean := filepath.Clean(strings.TrimSpace(hostPath))
	if clean == "" || !filepath.IsAbs(clean) {
		return []string{fmt.Sprintf("volume host path %q must be absolute", hostPath)}
	}
	if p.underAllowedPath(clean) {
		return nil
	}
	if p.Mode == ModeModerate && p.underWorkingDir(clean) {
		return nil
	}
	return []string{fmt.Sprintf("volume host path %q is not under an allowed prefix", clean)}
}

// ValidateBinary checks an interpreter binary path before staging.
func (p *Policy) ValidateBinary(binPath string) []string {
	clean := filepath.Clean(strings.TrimSpace(binPath))
	if clean == "" || !filepath.IsAbs(clean) {
		return []string{fmt.Sprintf("binary path %q must be absolute", binPath)}
	}
	switch p.Mode {
	case ModePermissive:
		return nil
	case ModeStrict:
		if p.TrustedBinaries[clean] {
			return nil
		}
		return []string{fmt.Sprintf("binary %q is not in the trusted set", clean)}
	default: // moderate
		if p.TrustedBinaries[clean] || p.underWorkingDir(clean) {
			return nil
		}
		return []string{fmt.Sprintf("binary %q is not trusted and not under the working directory", clean)}
	}
}

// ValidateImage checks an image reference. Only strict mode consults the
// allow-list.
func (p *Policy) ValidateImage(image string) []string {
	if p.Mode != ModeStrict {
		return nil
	}
	image = strings.TrimSpace(image)
	if !p.AllowedImages[image] {
		return []string{fmt.Sprintf("image %q is not in the allowed image list", image)}
	}
	return nil
}

// ValidateResources checks memory/cpu ceilings.
func (p *Policy) ValidateResources(memoryBytes int64, cpus float64) []string {
	if p.Mode == ModePermissive {
		return nil
	}
	var violations []string
	if p.MaxMemoryBytes > 0 && memoryBytes > p.MaxMemoryBytes {
		violations = append(violations, fmt.Sprintf("Memory limit %s exceeds maximum allowed %s",
			command.FormatBytes(memoryBytes), command.FormatBytes(p.MaxMemoryBytes)))
	}
	if p.MaxCPUs > 0 && cpus > p.MaxCPUs {
		violations = append(violations, fmt.Sprintf("cpu limit exceeds maximum allowed %v", p.MaxCPUs))
	}
	return violations
}

// ValidatePrivileged checks a privileged request.
func (p *Policy) ValidatePrivileged(requested bool) []string {
	if !requested {
		return nil
	}
	if p.Mode == ModeStrict || (!p.AllowPrivileged && p.Mode != ModePermissive) {
		return []string{"privileged containers are not permitted by the current policy"}
	}
	return nil
}

func (p *Policy) underAllowedPath(clean string) bool {
	for _, prefix := range p.AllowedVolumePaths {
		prefix = filepath.Clean(strings.TrimSpace(prefix))
		if prefix == "" {
			continue
		}
		if clean == prefix || strings.HasPrefix(clean, prefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (p *Policy) underWorkingDir(clean string) bool {
	if p.WorkingDir == "" {
		return false
	}
	wd := filepath.Clean(p.WorkingDir)
	return clean == wd || strings.HasPrefix(clean, wd+string(filepath.Separator))
}
