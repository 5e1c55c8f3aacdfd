package pow

import "errors"

// ErrCancelled is returned when a Job's completion handle resolves because
// work_cancel (or an equivalent external cancel) fired before any worker
// published a solution.
var ErrCancelled = errors.New("pow: job cancelled")

// ErrWorkerExhausted is returned when every worker assigned to a Job failed
// (device error, upload failure, etc.) before any of them published a
// solution or observed a cancel.
var ErrWorkerExhausted = errors.New("pow: no available work peers")

// ErrDeviceInit is wrapped into the error returned by a GPU worker
// constructor when the OpenCL device cannot be bound at startup. It is
// fatal to the process: a device that cannot be opened now will not become
// usable later.
var ErrDeviceInit = errors.New("pow: gpu device initialization failed")
