package main

import "github.com/jaswinder6991/teeproof/cmd/teeproof/cmd"

func main() {
	cmd.Execute()
}
