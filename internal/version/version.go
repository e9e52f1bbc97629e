// Package version pins the version string the daemon and CLI report.
package version

const Version = "0.4.0"
