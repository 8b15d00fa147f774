package controlplane

import "errors"

// ErrUnknownOperation is returned for container operations other than
// start, stop and restart.
var ErrUnknownOperation = errors.New("unknown container operation")
