// Package ipc exposes lane engine operations over a JSON-lines socket.
//
// Each request line {"id","op","args"} gets exactly one response line
// {"id","ok","result"|"error"}. Ops are registered in a Registry; an op either
// runs inline on the connection goroutine or is wrapped in a task and
// enqueued on its lane, with the result handed back through a channel
// captured by the task closure.
package ipc
