// Command ragserver is the C10 process entrypoint: it delegates entirely
// to internal/supervisor, matching the teacher's cmd/agentd/main.go ->
// internal/agentd.Run() split between a thin binary and the package that
// owns construction and lifecycle.
package main

import "ragserver/internal/supervisor"

func main() {
	supervisor.Run()
}
