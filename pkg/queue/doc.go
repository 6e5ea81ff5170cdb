// Package queue is the dispatcher fabric of the pipeline: a priority
// waitable queue, the single cache dispatcher, the network dispatcher
// pool, ordered response delivery, and the request queue facade with
// duplicate coalescing and bulk cancellation.
package queue
