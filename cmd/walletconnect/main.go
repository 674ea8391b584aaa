package main

import (
	"os"

	"github.com/walletconnect-go/wcrelay/cmd/walletconnect/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
