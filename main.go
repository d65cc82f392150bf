package main

import (
	"os"

	"kdeconnect-service/cli"
)

func main() {
	os.Exit(cli.Execute())
}
