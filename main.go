package main

import (
	"os"

	"github.com/ShoshinNikita/rcache/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
