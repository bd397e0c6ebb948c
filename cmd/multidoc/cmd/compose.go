package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/go-drift/multidoc/pkg/multidoc"
)

func init() {
	RegisterCommand(&Command{
		Name:  "compose",
		Short: "Attach documents to a page and print it",
		Long: `Attach documents to host elements of a page and print the composed page.

Each document is given as HOST=FILE, where HOST is the id of the element in
the page that hosts it. Document heads are merged into the page; bodies are
rendered inside declarative shadow roots.

Usage:
  multidoc compose page.html a=one.html b=two.html
  multidoc compose --out composed.html page.html a=one.html`,
		Usage: "multidoc compose [--out FILE] [--base-url URL] <page> HOST=FILE...",
		Run:   runCompose,
	})
}

type composeOptions struct {
	out     string
	addr    string
	baseURL string
	page    string
	targets []target
}

func parseComposeArgs(args []string) (composeOptions, error) {
	opts := composeOptions{baseURL: DefaultBaseURL}
	var rest []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--out":
			if i+1 < len(args) {
				opts.out = args[i+1]
				i++
			}
		case "--addr":
			if i+1 < len(args) {
				opts.addr = args[i+1]
				i++
			}
		case "--base-url":
			if i+1 < len(args) {
				opts.baseURL = args[i+1]
				i++
			}
		default:
			rest = append(rest, args[i])
		}
	}
	if len(rest) == 0 {
		return opts, fmt.Errorf("page is required\n\nUsage: multidoc compose <page> HOST=FILE...")
	}
	opts.page = rest[0]
	targets, err := parseTargets(rest[1:])
	if err != nil {
		return opts, err
	}
	opts.targets = targets
	return opts, nil
}

func runCompose(args []string) error {
	opts, err := parseComposeArgs(args)
	if err != nil {
		return err
	}
	page, err := loadPage(opts.page)
	if err != nil {
		return err
	}

	rt, err := newRuntime(os.Stderr)
	if err != nil {
		return err
	}
	defer rt.stop()

	ctx := context.Background()
	m := multidoc.New(page, rt.options())
	if _, err := rt.attachAll(ctx, m, opts.baseURL, opts.targets); err != nil {
		return err
	}

	var out string
	if err := rt.loop.Run(ctx, func() { out = page.String() }); err != nil {
		return err
	}
	rt.closeAll(ctx, m)

	if opts.out == "" {
		_, err = fmt.Fprintln(os.Stdout, out)
		return err
	}
	if err := os.WriteFile(opts.out, []byte(out), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", opts.out, err)
	}
	fmt.Printf("Wrote %s (%d documents)\n", opts.out, len(opts.targets))
	return nil
}
