// Package backend defines the contract between the stage pipeline and a
// container engine (pull, run, wait, kill, inspect, logs, remove), along with
// the container spec and state types exchanged across it.
package backend
