package main

import "github.com/agentworker/agentworker/cmd"

func main() {
	cmd.Execute()
}
