// Example: embed the supervisor in an existing echo application and mount
// the control API next to your own routes.
package main

import (
	"context"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	initr "github.com/loykin/initr"
)

func main() {
	specs := []initr.Spec{
		{Name: "web", Command: "sleep 300", Restart: "always"},
		{Name: "worker", Command: "sleep 300", StartAfter: []string{"web"}},
	}
	sup, err := initr.New(specs)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	e := echo.New()
	e.GET("/hello", func(c echo.Context) error {
		return c.String(http.StatusOK, "hello from the embedding app")
	})
	// The supervisor's API lives under /supervisor/api/...
	e.Any("/supervisor/*", echo.WrapHandler(initr.APIHandler(sup, "/supervisor", false)))

	log.Fatal(e.Start(":8080"))
}
