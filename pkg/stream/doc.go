// Package stream decodes the chain-of-thought event stream produced by the
// MORGAN chat backend.
package stream
