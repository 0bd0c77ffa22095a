/*
Package worker runs asynchronous tasks on a fixed pool of goroutines.

A Task moves through READY, PENDING, STARTED and ends FINISHED, CANCELED or
EXCEPTION. Tasks can be chained: the output of one becomes the input of the
next, which runs on the same worker right after its predecessor finishes.
A failure or cancellation cancels everything chained after it.

The Pool services lanes in a fixed order for every worker:

	serial lane of that worker
	HIGH (newest first)
	NORMAL
	shutdown lane (only while draining)
	LOW (only while another worker is idle)

Joining a task that is still queued takes it off the queue and runs it on
the caller, so a worker waiting on another task never deadlocks the pool.
*/
package worker
