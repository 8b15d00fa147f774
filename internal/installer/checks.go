package installer

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/fentz26/nvrpanel/internal/connectors"
	"github.com/fentz26/nvrpanel/internal/prereq"
)

// CommandSucceeds is satisfied when the command exits zero. A command that
// cannot be launched counts as unsatisfied.
func CommandSucceeds(name string, args ...string) CheckFunc {
	return func(ctx context.Context, exec connectors.Executor) (bool, error) {
		res, err := runCheck(ctx, exec, name, args...)
		if err != nil {
			return false, err
		}
		return res.OK(), nil
	}
}

// OutputContains is satisfied when the command exits zero and one of its
// whitespace-separated output fields equals word.
func OutputContains(word, name string, args ...string) CheckFunc {
	return func(ctx context.Context, exec connectors.Executor) (bool, error) {
		res, err := runCheck(ctx, exec, name, args...)
		if err != nil || !res.OK() {
			return false, err
		}
		for _, f := range strings.Fields(res.Stdout) {
			if f == word {
				return true, nil
			}
		}
		return false, nil
	}
}

// PackageVersion is satisfied when the Debian package is installed with a
// version starting with prefix.
func PackageVersion(pkg, prefix string) CheckFunc {
	return func(ctx context.Context, exec connectors.Executor) (bool, error) {
		res, err := runCheck(ctx, exec, "dpkg-query", "-W", "-f=${Version}", pkg)
		if err != nil || !res.OK() {
			return false, err
		}
		v, ok := prereq.ParseVersion(res.Stdout)
		if !ok {
			return false, nil
		}
		return prefix == "" || prereq.VersionMatches(v, prefix), nil
	}
}

// PackageInstalled is satisfied when dpkg reports the package installed.
func PackageInstalled(pkg string) CheckFunc {
	return func(ctx context.Context, exec connectors.Executor) (bool, error) {
		res, err := runCheck(ctx, exec, "dpkg-query", "-W", "-f=${Status}", pkg)
		if err != nil || !res.OK() {
			return false, err
		}
		return strings.Contains(res.Stdout, "install ok installed"), nil
	}
}

// KernelHeaders is satisfied when headers for the running kernel are installed.
func KernelHeaders() CheckFunc {
	return func(ctx context.Context, exec connectors.Executor) (bool, error) {
		res, err := runCheck(ctx, exec, "uname", "-r")
		if err != nil || !res.OK() {
			return false, err
		}
		release := strings.TrimSpace(res.Stdout)
		if release == "" {
			return false, nil
		}
		return PackageInstalled("linux-headers-"+release)(ctx, exec)
	}
}

// FileExists is satisfied when path exists.
func FileExists(path string) CheckFunc {
	return func(ctx context.Context, _ connectors.Executor) (bool, error) {
		_, err := os.Stat(path)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
}

// All is satisfied when every check is.
func All(checks ...CheckFunc) CheckFunc {
	return func(ctx context.Context, exec connectors.Executor) (bool, error) {
		for _, c := range checks {
			ok, err := c(ctx, exec)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
}

// Any is satisfied when one check is.
func Any(checks ...CheckFunc) CheckFunc {
	return func(ctx context.Context, exec connectors.Executor) (bool, error) {
		var firstErr error
		for _, c := range checks {
			ok, err := c(ctx, exec)
			if ok {
				return true, nil
			}
			if err != nil && firstErr == nil {
				firstErr = err
			}
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
		}
		return false, firstErr
	}
}

// runCheck executes a check command. Launch failures are reported as
// unsatisfied rather than errors.
func runCheck(ctx context.Context, exec connectors.Executor, name string, args ...string) (*connectors.Result, error) {
	res, err := exec.Run(ctx, connectors.Command{Name: name, Args: args, Timeout: checkTimeout})
	if err != nil {
		var le *connectors.LaunchError
		if errors.As(err, &le) {
			return &connectors.Result{Command: name, Args: args, ExitCode: -1}, nil
		}
		return nil, err
	}
	return res, nil
}
