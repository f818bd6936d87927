// Package ui renders connection state for people: a live terminal view
// for the CLI and desktop notifications for the daemon.
//
// Both consume the same stream of control.StatusResponse values, so the
// view works against a remote daemon and the notifier works in-process.
package ui
