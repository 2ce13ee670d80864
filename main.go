package main

import "github.com/kazukittin/dupsnap/cmd"

func main() {
	cmd.Execute()
}
