package security

import "time"

// Policy is the security part of the configuration snapshot.
type Policy struct {
	// SafeMode rejects executables missing from AllowedCommands. When off,
	// they are allowed but need confirmation.
	SafeMode bool `mapstructure:"safe_mode" yaml:"safe_mode"`

	// ConfirmationRequired makes every command go through the confirmation gate.
	ConfirmationRequired bool `mapstructure:"confirmation_required" yaml:"confirmation_required"`

	// AllowedCommands is the allow-list of executable names.
	AllowedCommands []string `mapstructure:"allowed_commands" yaml:"allowed_commands"`

	// ConfirmTimeout bounds how long an interactive prompt waits.
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout" yaml:"confirm_timeout"`

	// RestrictedPaths contains paths that are completely forbidden.
	RestrictedPaths []string `mapstructure:"restricted_paths" yaml:"restricted_paths"`

	// ReadOnlyPaths contains paths that cannot be written without confirmation.
	ReadOnlyPaths []string `mapstructure:"readonly_paths" yaml:"readonly_paths"`

	// HomeDir expands "~" in command arguments and in the path lists.
	HomeDir string `mapstructure:"-" yaml:"-"`
}

// DefaultAllowedCommands is the out-of-the-box allow-list.
var DefaultAllowedCommands = []string{"ls", "pwd", "echo", "date", "whoami", "uname"}

// DefaultPolicy returns the default security policy (strict mode).
func DefaultPolicy() Policy {
	return Policy{
		SafeMode:             true,
		ConfirmationRequired: true,
		AllowedCommands:      append([]string(nil), DefaultAllowedCommands...),
		ConfirmTimeout:       60 * time.Second,
		RestrictedPaths:      []string{},
		ReadOnlyPaths:        []string{},
	}
}
