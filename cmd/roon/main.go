// ABOUTME: Entry point for the roon CLI
package main

import (
	"fmt"
	"os"

	"github.com/Ramblurr/roon-go/cmd/roon/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
