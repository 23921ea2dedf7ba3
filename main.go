package main

import (
	"nitro.evalgo.org/cli"
)

func main() {
	cli.Execute()
}
