package main

import (
	"os"

	"github.com/kirillkom/retrieval-engine/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
