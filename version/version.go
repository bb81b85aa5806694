package version

// version is overridden at build time with ldflags.
var version = "development"

// NandsyncVersion returns the version of the running binary.
func NandsyncVersion() string {
	return version
}
