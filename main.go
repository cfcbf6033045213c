package main

import "github.com/sanchitmoh/DOCDUMP-sub002/cmd"

func main() {
	cmd.Execute()
}
