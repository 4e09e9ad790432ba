// Package log wraps zerolog with kiln's component logger conventions.
//
// Call Init once at process start; every long-running component then
// derives a child logger via WithComponent/WithStorage/WithDatabase/
// WithSession/WithView so log lines carry consistent structured fields.
package log
