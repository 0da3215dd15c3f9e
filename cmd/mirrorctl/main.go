package main

import (
	"log"

	"github.com/austindbirch/harbor_mirror/cmd/mirrorctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
