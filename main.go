package main

import (
	"settlement-arb-alerts/internal/cli"
)

func main() {
	cli.Execute()
}
