package main

import "enerx-readmodel/internal/cli"

func main() {
	cli.Execute()
}
