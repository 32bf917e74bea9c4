// Package ratelimit enforces a minimum interval between status polls of
// the same linking session, backing the slow_down protocol response.
package ratelimit
