package main

import (
	"log"

	"github.com/lanceiq/payspool/cmd/payctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
