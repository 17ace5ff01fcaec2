// Package directory is the REST client for chat sessions.
//
// Every call needs a credential. Without one the call fails with
// auth.ErrAuthRequired and nothing is sent. Network failures and non-2xx
// answers come back as *TransportError.
package directory
