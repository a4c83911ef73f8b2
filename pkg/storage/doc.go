// Package storage holds the data store configuration and PostgreSQL
// connection lifecycle. Clients are constructed explicitly at startup and
// injected; there is no ambient global connection state.
package storage
