package main

import "github.com/javi11/nfsvfs/cmd/nfsvfs/cmd"

func main() {
	cmd.Execute()
}
