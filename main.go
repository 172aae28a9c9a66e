package main

import "chant-service/cmd"

func main() {
	cmd.Execute()
}
