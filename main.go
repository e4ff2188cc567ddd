package main

import "github.com/nextlevelbuilder/workfarm/cmd"

func main() {
	cmd.Execute()
}
