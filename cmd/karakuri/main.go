package main

import (
	"github.com/shizukutanaka/Karakuri/cmd/karakuri/commands"
)

func main() {
	commands.Execute()
}
