package main

import (
	"os"

	"github.com/jabolina/maelstrom-go/internal/logging"
	"github.com/jabolina/maelstrom-go/internal/runtime"
	"github.com/jabolina/maelstrom-go/workload/broadcast"
)

func main() {
	log := logging.New()
	if err := runtime.Run(os.Stdin, os.Stdout, log, broadcast.New); err != nil {
		log.Fatalf("broadcast node exited: %v", err)
	}
}
