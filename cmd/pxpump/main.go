package main

import (
	"log"

	"optionchain/services/pxpump"
)

func main() {
	if err := pxpump.Main(); err != nil {
		log.Fatalf("pxpump: %v", err)
	}
}
