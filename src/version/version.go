// Package version holds the build version, overridden at link time with
// -ldflags "-X instance-transfer/src/version.Version=...".
package version

var Version = "0.1.0-dev"
