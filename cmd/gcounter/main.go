package main

import (
	"os"

	"github.com/jabolina/maelstrom-go/internal/logging"
	"github.com/jabolina/maelstrom-go/internal/runtime"
	"github.com/jabolina/maelstrom-go/workload/gcounter"
)

func main() {
	log := logging.New()
	if err := runtime.Run(os.Stdin, os.Stdout, log, gcounter.New); err != nil {
		log.Fatalf("g-counter node exited: %v", err)
	}
}
