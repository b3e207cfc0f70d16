// Package invoke performs single bounded HTTP calls against scoring endpoints
// and classifies how each one ended.
package invoke
