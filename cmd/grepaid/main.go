package main

import (
	"os"

	"github.com/yoanbernabeu/grepaid/cli"
)

var version = "dev"

func main() {
	cli.Version = version
	os.Exit(cli.Execute())
}
