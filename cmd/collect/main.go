// Command collect checks submitted batch jobs and stores one horoscope payload per finished result line.
package main

import (
	"context"
	"os"

	"github.com/kursadbilgin/batch-relay/internal/app"
	"github.com/kursadbilgin/batch-relay/internal/service"
)

func main() {
	os.Exit(app.Main(service.StageCollect, func(ctx context.Context, d *app.Deps) (app.Runner, error) {
		return d.CollectService(ctx)
	}))
}
