package main

import "github.com/yngpiu/confession-discord-bot/cmd"

func main() {
	cmd.Execute()
}
