package main

import (
	"github.com/slipway-dev/slipway/cmd"
)

func main() {
	cmd.Execute()
}
