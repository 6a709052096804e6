package main

import (
	"github.com/LainPM/AxisDiscordBot/cmd"
)

func main() {
	cmd.Execute()
}
