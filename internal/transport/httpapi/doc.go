// Package httpapi is the admin HTTP surface: job control, status, recent
// results and a websocket feed of live attempts and status changes.
package httpapi
