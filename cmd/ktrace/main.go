// Command ktrace reads a scheduler trace recorded by internal/ktrace and
// prints or summarizes it.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vanadinite-os/vanadinite/internal/ktrace"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	filename := fs.String("filename", "", "ktrace file to read")
	sums := fs.Bool("sums", false, "print total duration per event kind instead of every record")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *filename == "" {
		fs.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open ktrace file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	if *sums {
		totals := map[string]time.Duration{}
		err := ktrace.ReadAllRecords(f, func(name string, flags ktrace.SliceFlags, d time.Duration) error {
			totals[name] += d
			return nil
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read ktrace file: %v\n", err)
			os.Exit(1)
		}
		for name, sum := range totals {
			fmt.Printf("%s %s\n", name, sum)
		}
		return
	}

	err = ktrace.ReadAllRecords(f, func(name string, flags ktrace.SliceFlags, d time.Duration) error {
		fmt.Printf("%s %s %s\n", name, flags, d)
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read ktrace file: %v\n", err)
		os.Exit(1)
	}
}
