// Command imagectl submits generate, inpaint and erase jobs to an image
// gateway and saves the returned PNG.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
