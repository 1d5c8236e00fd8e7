package dragenflowctl

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/spf13/afero"

	"github.com/dragenflow/dragenflow/internal/dragenflow/api"
)

// App is the dragenflow command line client. Commands write their human readable output to Out.
type App struct {
	Params *Params
	Out    io.Writer
	// Request files are read through Fs
	Fs afero.Fs
}

type Params struct {
	// Base url of a running dragenflow server, e.g. http://localhost:8080
	Url     string
	Timeout time.Duration
}

func New() *App {
	return &App{
		Params: &Params{},
		Out:    os.Stdout,
		Fs:     afero.NewOsFs(),
	}
}

func (a *App) client() *api.Client {
	return api.NewClient(a.Params.Url, a.Params.Timeout)
}

func (a *App) context() (context.Context, context.CancelFunc) {
	if a.Params.Timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), a.Params.Timeout)
}
