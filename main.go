package main

import (
	"github.com/luma/routeros/cmd"
)

func main() {
	cmd.Execute()
}
