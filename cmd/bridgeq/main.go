package main

import (
	"os"

	"github.com/ggonzalez94/bridge-quotes/internal/app"
)

func main() {
	os.Exit(app.NewRunner().Run(os.Args[1:]))
}
