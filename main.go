package main

import (
	"errors"
	"os"
)

func main() {
	err := newRootCmd().Execute()
	if err == nil {
		return
	}

	// The verify report already says what differs.
	if errors.Is(err, errVerifyMismatch) {
		os.Exit(1)
	}

	exitOnError(err)
}
