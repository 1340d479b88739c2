// Package api defines the public types of the mailflow triage engine:
// items and classifications, instance states, decisions, outcomes, the
// error taxonomy, the external ports (classifier, notifier, mailbox), and
// the Observer used for logging and metrics.
//
// The engine itself lives in internal packages; applications construct it
// through the root mailflow package and interact with it through the
// Engine interface defined here.
package api
