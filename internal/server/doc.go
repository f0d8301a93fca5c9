// Package server implements the HTTP and WebSocket surface of privchat.
//
// The Hub owns every admitted live connection and fans broadcast text out to
// all of them. The HTTP API in handlers.go exposes accounts and private
// conversations; both share the session middleware for authentication.
package server
