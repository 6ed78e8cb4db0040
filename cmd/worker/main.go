package main

import "github.com/ramiqadoumi/taskpulse/services/worker/cli"

func main() {
	cli.Execute()
}
