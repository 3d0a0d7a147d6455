// Package observe delivers lifecycle events to audit and metrics sinks
// without ever blocking the connection runtime.
//
// Async queues events on a bounded channel drained by one goroutine and
// drops (and counts) events when the queue is full. LogSink writes events as
// structured zap entries. MetricsSink maintains Prometheus counters and
// gauges. Multi fans one event out to several sinks.
package observe
