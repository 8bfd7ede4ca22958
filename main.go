package main

import "github.com/brambleworks/bramble/cmd"

func main() {
	cmd.Execute()
}
