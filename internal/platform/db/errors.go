package db

import "errors"

// ErrStaleVersion is returned by repositories when a compare-and-set update
// matched zero rows: the caller's copy of the aggregate is out of date and
// the operation must be retried against fresh state.
var ErrStaleVersion = errors.New("stale version: aggregate was modified concurrently")
