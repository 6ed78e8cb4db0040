package main

import "github.com/ramiqadoumi/taskpulse/services/api/cli"

func main() {
	cli.Execute()
}
