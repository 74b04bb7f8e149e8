package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/cardman/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "cardman: %v\n", err)
		os.Exit(1)
	}
}
