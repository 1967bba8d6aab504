// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobdispatch

import (
	"math"
	"time"
)

// maxBackoff caps the delay returned by exponentialBackoff.
const maxBackoff = time.Minute

// BackoffFunc is a callback that returns a backoff. It is configurable
// via the SetBackoffFunc option in the manager. The BackoffFunc is used
// to delay the redelivery of a job whose outcome could not be stored.
type BackoffFunc func(attempts int) time.Duration

// exponentialBackoff is the default backoff function. It performs
// exponential backoff, capped at maxBackoff.
func exponentialBackoff(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Duration(0)
	}
	if attempts > 4 {
		return maxBackoff
	}
	d := time.Duration(math.Pow(10, float64(attempts))) * time.Millisecond
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
