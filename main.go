package main

import "github.com/mediacrate/mediacrate/cmd"

func main() {
	cmd.Execute()
}
