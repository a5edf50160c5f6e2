// foreman-worker runs inside a sandbox and serves one driver call per
// invocation for the container driver.
//
// Usage: foreman-worker <generate|agentic|version>
//
// The request is read as JSON from stdin and the response is written to stdout
// as newline-delimited messages. The provider is selected through FOREMAN_*
// environment variables set by the host.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"foreman/pkg/driver"
	"foreman/pkg/driver/api"
	"foreman/pkg/driver/container"
	"foreman/pkg/version"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: foreman-worker <generate|agentic|version>")
		os.Exit(2)
	}
	if os.Args[1] == "version" {
		fmt.Println(version.String())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "foreman-worker: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, mode string) error {
	provider, err := api.NewProvider(ctx, container.ProviderConfigFromEnv(os.Getenv))
	if err != nil {
		// Reported in-band so the host keeps the error kind.
		line, encErr := driver.EncodeMessage(driver.ErrorMessage(err))
		if encErr != nil {
			return fmt.Errorf("configure provider: %w", err)
		}
		_, _ = fmt.Fprintln(os.Stdout, string(line))
		return nil
	}

	dir := os.Getenv(container.EnvSessionDir)
	if dir == "" {
		dir = container.DefaultSessionDir
	}

	worker := container.NewWorker(api.New(provider, api.Config{}), dir)
	return worker.Run(ctx, mode, os.Stdin, os.Stdout) //nolint:wrapcheck // reported as-is
}
