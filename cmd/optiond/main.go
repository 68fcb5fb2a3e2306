package main

import (
	"log"

	"optionchain/services/optiond"
)

func main() {
	if err := optiond.Main(); err != nil {
		log.Fatalf("optiond: %v", err)
	}
}
