package main

import (
	"log"

	"keynote/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatalf("keynote service failed: %v", err)
	}
}
