package main

import "github.com/b1tank/opensnipping/internal/cli"

func main() {
	cli.Execute()
}
