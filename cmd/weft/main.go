package main

import "github.com/weftlab/weft/cmd/weft/cmd"

func main() {
	cmd.Execute()
}
