package patchlib

import "github.com/docker/go-units"

// ContentSize is a byte count with human-readable formatting, used by the
// downloader's completion log line. It plays
// the role the teacher's warplib.ContentLength plays, but formatting is
// delegated to github.com/docker/go-units instead of a hand-rolled
// SizeOption ladder.
type ContentSize int64

// Bytes returns the size as a plain int64.
func (c ContentSize) Bytes() int64 {
	return int64(c)
}

// String renders a human-readable binary size, e.g. "4.2MiB".
func (c ContentSize) String() string {
	return units.BytesSize(float64(c))
}
