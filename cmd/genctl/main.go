// Command genctl is the operator CLI for the generation store: it lists the
// moderation queue, records review decisions and requeues stranded jobs.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
