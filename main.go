package main

import "github.com/kvasir-db/kvasir/cmd"

func main() {
	cmd.Execute()
}
