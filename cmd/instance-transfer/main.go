package main

import (
	"os"

	"instance-transfer/src/cli"
)

func main() {
	os.Exit(cli.Execute())
}
