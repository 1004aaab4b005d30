package main

import (
	"os"

	"horse.fit/incidentdedup/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
