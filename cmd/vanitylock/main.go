package main

import "github.com/nmoreau/vanitylock/cmd/vanitylock/cmd"

func main() {
	cmd.Execute()
}
