// Command prepare builds the next batch input from the riders list and records it as prepared.
package main

import (
	"context"
	"os"

	"github.com/kursadbilgin/batch-relay/internal/app"
	"github.com/kursadbilgin/batch-relay/internal/service"
)

func main() {
	os.Exit(app.Main(service.StagePrepare, func(_ context.Context, d *app.Deps) (app.Runner, error) {
		return d.PrepareService()
	}))
}
