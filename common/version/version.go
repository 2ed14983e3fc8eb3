// Package version exposes build metadata injected with -ldflags -X.
package version

var (
	Version   = "v0.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Info is the one-line form printed at startup and by coffrectl version.
func Info() string {
	return "coffre " + Version + " (" + GitCommit + ", built " + BuildTime + ")"
}
