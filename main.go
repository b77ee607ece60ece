package main

import (
	"log"
	"os"

	"github.com/TFMV/onevent/cmd"
)

func main() {
	// Set up a deferred function to recover from panics.
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic: %v", r)
			os.Exit(1)
		}
	}()

	// Execute has already reported the error
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
