package main

import "github.com/Plarpoon/Red/cmd"

func main() {
	cmd.Execute()
}
