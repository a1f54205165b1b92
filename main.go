package main

import "github.com/photokeep/photokeep/cmd"

func main() {
	cmd.Execute()
}
