package main

import "github.com/jmcleod/hubguard/cmd/hubguard/cmd"

func main() {
	cmd.Execute()
}
