package main

import (
	"log"

	"synthd/services/synthd"
)

func main() {
	if err := synthd.Main(); err != nil {
		log.Fatalf("synthd: %v", err)
	}
}
