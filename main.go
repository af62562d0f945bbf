package main

import "github.com/nextlevelbuilder/relay/cmd/relay"

func main() {
	relay.Execute()
}
