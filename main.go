package main

import "github.com/agenttrail/agenttrail/cmd"

func main() {
	cmd.Execute()
}
