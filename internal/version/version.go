// Package version holds the build version, overridden at link time via
// -ldflags "-X github.com/parcelworld/parcel/internal/version.Version=...".
package version

// Version is the application version string.
var Version = "dev"
