package main

import "github.com/ramiqadoumi/taskpulse/services/sweeper/cli"

func main() {
	cli.Execute()
}
