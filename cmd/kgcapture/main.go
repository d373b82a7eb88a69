package main

import "github.com/bryanchriswhite/kgcapture/cmd/kgcapture/commands"

func main() {
	commands.Execute()
}
