package main

import "spike-alerts/internal/cli"

func main() {
	cli.Execute()
}
