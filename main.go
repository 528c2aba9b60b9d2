package main

import (
	"log"

	"github.com/motty-mio2/kicad-diff-visualizer/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		log.Fatalf("kicad-diff-visualizer: %v", err)
	}
}
