package model

import "fmt"

// ExitCode defines the CLI exit codes. These codes let CI systems and
// wrapper scripts programmatically distinguish failure classes: a cloud
// failure (4) leaves no container half-deployed, while a verification
// failure (6) means the host needs inspection.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitConfigError indicates the deploy manifest is missing, invalid,
	// or a required secret was not provided.
	ExitConfigError ExitCode = 2

	// ExitDockerError indicates the local Docker daemon is not reachable
	// or an image build/tag/push failed.
	ExitDockerError ExitCode = 3

	// ExitCloudError indicates an AWS API call failed (credentials,
	// security group, or registry operations).
	ExitCloudError ExitCode = 4

	// ExitRemoteError indicates the SSH connection or a remote command
	// on the target VM failed.
	ExitRemoteError ExitCode = 5

	// ExitVerifyFailed indicates the deploy completed but the target is
	// not in the expected state (the named container is not the single
	// running instance of the deployed image).
	ExitVerifyFailed ExitCode = 6

	// ExitGitError indicates the image tag could not be resolved from
	// the local git repository.
	ExitGitError ExitCode = 7
)

// CLIError is an error carrying an exit code. The CLI layer translates it
// into the process exit status; everything below the CLI returns it as a
// plain error.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error, enabling errors.Is/errors.As
// matching through the CLIError wrapper.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a CLIError without an underlying cause.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a CLIError wrapping an underlying error.
// If err is already a CLIError its code is preserved and only the
// message context is added, so the outermost wrap does not clobber a
// more specific classification from below.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	if inner, ok := err.(*CLIError); ok {
		code = inner.Code
	}
	return &CLIError{Code: code, Message: message, Err: err}
}
