// Package server implements the HTTP surface of File Drop: the upload,
// listing, download and delete handlers, the middleware chain, and the
// optional side channels (audit log, object storage mirror, rate limiter)
// that hang off a filestore.Store.
package server
