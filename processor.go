// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobdispatch

import "context"

// ProgressFunc reports intermediate progress (0..100) of a running job.
// Values lower than the last reported one are ignored.
type ProgressFunc func(percent int)

// Processor is responsible to process jobs of a certain type. The job
// passed in is a snapshot; processors report progress via the progress
// callback and return the result to store on success.
//
// A Processor must not retry on its own. If it returns an error, the job
// is failed with the error as diagnostics.
type Processor func(ctx context.Context, job *Job, progress ProgressFunc) (map[string]interface{}, error)

// Diagnoser can be implemented by errors returned from a Processor to add
// structured diagnostics to the result of a failed job.
type Diagnoser interface {
	Diagnostics() map[string]interface{}
}
