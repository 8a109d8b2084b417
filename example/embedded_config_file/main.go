// Example: run the supervisor from an initr.toml config file, embedded in
// your own program instead of through the initr binary.
package main

import (
	"context"
	"log"
	"os"

	initr "github.com/loykin/initr"
)

func main() {
	path := "initr.toml"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	cfg, err := initr.LoadConfig(path)
	if err != nil {
		log.Fatal(err)
	}
	sup, err := initr.New(cfg.Services, initr.WithLogger(initr.NewLogger("info", "color")))
	if err != nil {
		log.Fatal(err)
	}
	os.Exit(sup.Run(context.Background()))
}
