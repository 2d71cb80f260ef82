// main package for the tts-service
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	cmd := newRootCommand()

	err := cmd.Execute()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		}

		os.Exit(1)
	}
}
