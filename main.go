package main

import "github.com/beckchat/beck/cmd"

func main() {
	cmd.Execute()
}
