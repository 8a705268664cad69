package main

import (
	"os"

	"github.com/jabolina/maelstrom-go/internal/logging"
	"github.com/jabolina/maelstrom-go/internal/runtime"
	"github.com/jabolina/maelstrom-go/workload/klog"
)

func main() {
	log := logging.New()
	if err := runtime.Run(os.Stdin, os.Stdout, log, klog.New); err != nil {
		log.Fatalf("k-log node exited: %v", err)
	}
}
