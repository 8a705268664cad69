package main

import (
	"os"

	"github.com/jabolina/maelstrom-go/internal/logging"
	"github.com/jabolina/maelstrom-go/internal/runtime"
	"github.com/jabolina/maelstrom-go/workload/tamap"
)

func main() {
	log := logging.New()
	if err := runtime.Run(os.Stdin, os.Stdout, log, tamap.New); err != nil {
		log.Fatalf("ta-map node exited: %v", err)
	}
}
