package main

import "github.com/castellis/multivpn/cmd"

func main() {
	cmd.Execute()
}
