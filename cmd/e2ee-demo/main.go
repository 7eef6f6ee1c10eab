package main

import (
	"os"

	"github.com/arko-chat/e2ee/cmd/e2ee-demo/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
