package main

import "github.com/draknorr/publisheriq/internal/cli"

func main() {
	cli.Execute()
}
