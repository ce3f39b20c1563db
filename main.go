package main

import "example.com/backstage/services/registry/cmd"

func main() {
	cmd.Execute()
}
