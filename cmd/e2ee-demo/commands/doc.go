// Package commands implements the e2ee-demo CLI: scripted end-to-end runs
// over an in-process homeserver, and key management for a real login.
package commands
