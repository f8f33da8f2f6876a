package main

import "github.com/agentforge/forge/cmd"

func main() {
	cmd.Execute()
}
