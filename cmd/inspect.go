package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/weatherglobe/tileengine/internal/fetch"
	"github.com/weatherglobe/tileengine/internal/omfile"
)

var inspectVariable string

var inspectCmd = &cobra.Command{
	Use:   "inspect <path-or-url>",
	Short: "Walk a single .om file's trailer/variable tree and print its shape",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := args[0]
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		fetcher, url, closeFn, err := openTarget(target)
		if err != nil {
			return err
		}
		defer closeFn()

		rootOffset, rootSize, err := omfile.ReadTrailer(ctx, fetcher, url)
		if err != nil {
			return fmt.Errorf("inspect: reading trailer: %w", err)
		}
		fmt.Printf("%s: trailer root=(offset=%d, size=%d)\n", target, rootOffset, rootSize)

		if inspectVariable != "" {
			v, err := omfile.Walk(ctx, fetcher, url, inspectVariable)
			if err != nil {
				return fmt.Errorf("inspect: %w", err)
			}
			printVariable(v)
			return nil
		}

		// With no --variable filter, list every child the root container
		// exposes by walking each name reported in a VariableNotFound probe.
		_, err = omfile.Walk(ctx, fetcher, url, "")
		var notFound *omfile.VariableNotFound
		if err == nil {
			fmt.Println("(root resolved to an empty name — pass --variable to inspect a specific one)")
			return nil
		}
		if errors.As(err, &notFound) {
			fmt.Println("variables:")
			for _, name := range notFound.Available {
				fmt.Printf("  %s\n", name)
			}
			return nil
		}
		return fmt.Errorf("inspect: %w", err)
	},
}

func printVariable(v *omfile.Variable) {
	fmt.Printf("name: %s\n", v.Name())
	if v.DimensionsCount() == 0 {
		fmt.Printf("kind: container, children=%d\n", v.ChildrenCount())
		return
	}
	fmt.Printf("kind: data, dims=%v\n", v.Dimensions())
}

// openTarget resolves target to a RangeFetcher and the URL it should use:
// an http(s):// path uses the production HTTPFetcher directly; anything
// else is treated as a local filesystem path.
func openTarget(target string) (fetch.RangeFetcher, string, func(), error) {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return fetch.NewHTTPFetcher(nil, nil), target, func() {}, nil
	}
	f, err := os.Open(target)
	if err != nil {
		return nil, "", func() {}, fmt.Errorf("inspect: opening %q: %w", target, err)
	}
	return &fileFetcher{f: f}, target, func() { _ = f.Close() }, nil
}

// fileFetcher implements fetch.RangeFetcher over a local *os.File, letting
// inspect walk .om files on disk without a live object store.
type fileFetcher struct {
	f *os.File
}

func (ff *fileFetcher) FetchRange(ctx context.Context, url string, offset, size int64) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := ff.f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("fileFetcher: reading %d bytes at %d: %w", size, offset, err)
	}
	return buf, nil
}

func (ff *fileFetcher) FetchHead(ctx context.Context, url string) (int64, error) {
	info, err := ff.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("fileFetcher: stat: %w", err)
	}
	return info.Size(), nil
}

func init() {
	inspectCmd.Flags().StringVar(&inspectVariable, "variable", "", "Variable name to resolve and print dimensions for")
}
