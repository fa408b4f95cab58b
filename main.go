package main

import "github.com/certusone/wormhole/witnessd/cmd"

func main() {
	cmd.Execute()
}
