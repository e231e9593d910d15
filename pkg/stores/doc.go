// Package stores keeps the installation history in SQLite.
//
// Every finished run is written with its per-package outcome and the
// progress messages it emitted, so `selfie history` and `selfie info` can
// show what happened after the terminal output is gone. The schema is
// managed by golang-migrate from migrations embedded in the binary.
package stores
