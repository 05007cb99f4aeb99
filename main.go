package main

import "github.com/kvkolb/kvcore/cmd"

func main() {
	cmd.Execute()
}
