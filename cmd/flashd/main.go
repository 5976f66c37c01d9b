// Command flashd runs the settlement facilitator behind a websocket
// session endpoint and an HTTP usage ingestion endpoint.
package main

import (
	"errors"
	"fmt"
	"os"
)

const exitConfig = 2

func main() {
	if err := execute(); err != nil {
		fmt.Fprintln(os.Stderr, "flashd:", err)
		var fatal *FatalConfigError
		if errors.As(err, &fatal) {
			os.Exit(exitConfig)
		}
		os.Exit(1)
	}
}
