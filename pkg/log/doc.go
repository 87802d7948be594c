// Package log provides structured logging built on zerolog.
//
// A single global Logger is configured once via Init; component/job/task
// scoped child loggers are created with WithComponent, WithJob, WithTask and
// WithEngine so every log line carries enough context to find the job
// directory and task instance it came from without string concatenation.
package log
