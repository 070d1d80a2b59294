package service

import (
	"errors"
	"fmt"
)

var (
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrLeaseTimeout     = errors.New("lease timed out and was reclaimed")
	ErrLeaseNotHeld     = errors.New("lease is not held")
	ErrLeaseReleased    = errors.New("lease released")
	ErrUnknownTarget    = errors.New("unknown deployment target")
	ErrRunNotFound      = errors.New("run not found")
	ErrRunNotActive     = errors.New("run is not pending or running")
	ErrInvalidMode      = errors.New("invalid pipeline mode")
	ErrRunCanceled      = RunCancelError{Message: "run canceled by operator"}
)

// BuildError is returned when the site generator fails or produces no output.
type BuildError struct {
	Stage string
	Err   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build failed in stage %s: %v", e.Stage, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// DeployError is returned when publishing to a hosting target fails or is
// rejected.
type DeployError struct {
	Stage  string
	Target string
	Err    error
}

func (e *DeployError) Error() string {
	return fmt.Sprintf("deploy to %s failed in stage %s: %v", e.Target, e.Stage, e.Err)
}

func (e *DeployError) Unwrap() error {
	return e.Err
}

type RunCancelError struct {
	Message string
}

func (rce RunCancelError) Error() string {
	return rce.Message
}

func isCancel(err error) bool {
	var rce RunCancelError
	return errors.As(err, &rce)
}
