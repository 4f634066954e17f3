// AutoRouter is a reverse-proxy gateway for LLM inference APIs: one inbound
// endpoint fans out across multiple provider accounts with circuit breaking,
// session affinity, spend quotas and automatic failover.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/autorouter.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("autorouter", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
