// Package sandbox redirects the per-user data home to a scratch directory
// for the duration of a test. It is the Go counterpart of the Rust
// DataHomeGuard used by pacm's original test suite
// (_examples/original_source/common/mod.rs): a guarded, restored-on-exit
// override of XDG_DATA_HOME, LOCALAPPDATA, APPDATA, and HOME.
package sandbox

import "os"

// New points the data-home environment variables at a fresh temporary
// directory and registers t.Cleanup to restore whatever was there before,
// on every exit path (the Go idiom for Rust's Drop-based guard).
func New(t testingT) string {
	t.Helper()
	dir := t.TempDir()

	dataHome := dir + string(os.PathSeparator) + "data-home"
	if err := os.MkdirAll(dataHome, 0o755); err != nil {
		t.Fatalf("sandbox: create data-home dir: %v", err)
	}

	for _, env := range []string{"XDG_DATA_HOME", "LOCALAPPDATA", "APPDATA"} {
		setScoped(t, env, dataHome)
	}
	setScoped(t, "HOME", dir)

	return dataHome
}

func setScoped(t testingT, env, value string) {
	prev, had := os.LookupEnv(env)
	if err := os.Setenv(env, value); err != nil {
		t.Fatalf("sandbox: set %s: %v", env, err)
	}
	t.Cleanup(func() {
		if had {
			os.Setenv(env, prev)
		} else {
			os.Unsetenv(env)
		}
	})
}

// testingT is the subset of *testing.T sandbox.New needs, so it can be used
// from _test.go files in any package without importing "testing" here.
type testingT interface {
	Helper()
	TempDir() string
	Cleanup(func())
	Fatalf(format string, args ...any)
}
