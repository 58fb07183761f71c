package main

import "shelfsync/cmd/syncctl/cmd"

func main() {
	cmd.Execute()
}
