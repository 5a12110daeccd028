/*
main.go - Application entry point

PURPOSE:
  Starts the billing engine CLI. Environment is loaded from a .env file
  when present; everything else is flags.

COMMANDS:
  serve          Run the HTTP API and the dual-loop scheduler
  run-invoice    One manual invoice-generation run
  run-reconcile  One manual reconciliation run

SEE ALSO:
  - root.go: shared flags and dependency wiring
  - serve.go: server startup and graceful shutdown
*/
package main

import (
	"github.com/joho/godotenv"
)

func main() {
	// Missing .env is fine; flags and real env still apply.
	_ = godotenv.Load()
	Execute()
}
