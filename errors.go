/*
 * Copyright 2022, Cloudchacho
 * All rights reserved.
 */

package jobhawk

import "errors"

var (
	// ErrJobNotFound indicates that job class was not registered
	ErrJobNotFound = errors.New("job not found")

	// ErrRetry should cause the job to retry, but not treat the retry as an error
	ErrRetry = errors.New("Retry error")
)
