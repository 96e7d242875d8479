package main

import (
	"log"

	"github.com/b55585wy/SGGG/cmd/storyctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
