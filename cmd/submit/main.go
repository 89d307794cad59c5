// Command submit uploads every prepared batch input to the batch API and starts a job for it.
package main

import (
	"context"
	"os"

	"github.com/kursadbilgin/batch-relay/internal/app"
	"github.com/kursadbilgin/batch-relay/internal/service"
)

func main() {
	os.Exit(app.Main(service.StageSubmit, func(_ context.Context, d *app.Deps) (app.Runner, error) {
		return d.SubmitService()
	}))
}
