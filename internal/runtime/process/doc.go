// Package process provides a runtime implementation that launches the backend
// as a local child process.
//
// Full process-group termination is only guaranteed on Unix-like systems, where
// the child is placed in its own process group and signals are delivered to
// every member of that group. On Windows the runtime offers best-effort
// semantics: the direct child is interrupted and, if necessary, killed, but any
// grandchildren it spawned may keep running.
//
// On Windows the child is also started without a console window so that the
// desktop shell does not flash a terminal when the backend launches.
package process
