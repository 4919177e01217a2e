package main

import "rate-cache/internal/cli"

func main() {
	cli.Execute()
}
