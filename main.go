package main

import "supportchat/internal/commands"

func main() {
	commands.Execute()
}
