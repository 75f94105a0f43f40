// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package partition

import "context"

// LocationFuture is a handle to a partition's eventual Location. It
// is returned by the master so callers can start waiting for a
// producer to finish without holding any master lock.
type LocationFuture struct {
	p *Partition
}

// Future returns a LocationFuture for p. Obtaining the future never
// blocks; only Get does.
func (p *Partition) Future() LocationFuture {
	return LocationFuture{p: p}
}

// Get blocks until the partition's location is known, it is removed,
// or ctx is done.
func (f LocationFuture) Get(ctx context.Context) (Location, error) {
	return f.p.WaitLocation(ctx)
}
