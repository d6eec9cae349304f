package main

import "trade-alerts/internal/cli"

func main() {
	cli.Execute()
}
