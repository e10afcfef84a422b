// Command votingd runs the secure voting daemon and its operator tooling.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
