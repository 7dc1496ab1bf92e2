package main

import (
	"fmt"
	"os"

	cmd "github.com/soundprediction/mnemo/cmd/mnemo"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
