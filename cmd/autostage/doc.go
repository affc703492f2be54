// Package main hosts the autostage CLI entrypoint and command graph.
//
// The Cobra-based command tree covers running the service daemon, querying
// its HTTP API for status and job listings, configuration scaffolding, and
// notification checks. It centralizes configuration resolution and structured
// logging setup so subcommands can focus on user experience instead of wiring.
//
// Keep this package lean: add new functionality by extending the internal
// packages first, then surface it through dedicated commands or flags here.
package main
