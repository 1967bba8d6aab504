// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobdispatch_test

import (
	"context"
	"fmt"
	"time"

	"github.com/olivere/jobdispatch"
)

func ExampleManager() {
	// Create a new manager with 8 workers in the hot lane
	m := jobdispatch.New(
		jobdispatch.SetLaneConcurrency(jobdispatch.HotLane, 8),
	)

	// Register the processor for summarize jobs
	jobDone := make(chan struct{}, 1)
	err := m.Register(jobdispatch.Summarize, func(ctx context.Context, job *jobdispatch.Job, progress jobdispatch.ProgressFunc) (map[string]interface{}, error) {
		content, _ := job.Payload["content"].(string)
		fmt.Printf("Summarize %q\n", content)
		progress(50)
		jobDone <- struct{}{}
		return map[string]interface{}{"summary": content}, nil
	})
	if err != nil {
		fmt.Println("Register failed")
		return
	}

	// Start the manager
	err = m.Start()
	if err != nil {
		fmt.Println("Start failed")
		return
	}
	fmt.Println("Started")

	// Add a job; priority 0 picks the default of the hot lane
	id, err := m.Submit(context.Background(), jobdispatch.Summarize, map[string]interface{}{"content": "Attention is all you need"}, 0)
	if err != nil {
		fmt.Println("Submit failed")
		return
	}

	// Wait for the job to be processed
	select {
	case <-time.After(5 * time.Second):
		fmt.Println("Timeout")
		return
	case <-jobDone:
	}

	// Stop/Close the manager; it waits for the job to be stored
	err = m.Stop()
	if err != nil {
		fmt.Println("Stop failed")
		return
	}
	fmt.Println("Stopped")

	job, err := m.Status(context.Background(), id)
	if err != nil {
		fmt.Println("Status failed")
		return
	}
	fmt.Printf("%s %s %d\n", job.Type, job.State, job.Priority)

	// Output:
	// Started
	// Summarize "Attention is all you need"
	// Stopped
	// summarize completed 10
}
