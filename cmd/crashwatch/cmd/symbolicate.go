/*
Copyright © 2024-2026 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/blacktop/crashwatch/internal/logwriter"
)

func init() {
	rootCmd.AddCommand(symbolicateCmd)
}

// symbolicateCmd prints a crashwatch report file in a human-readable
// form, the same role `ipsw symbolicate` plays for Apple crash logs.
var symbolicateCmd = &cobra.Command{
	Use:   "symbolicate <report>",
	Short: "Print a recorded crash report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return errors.Wrapf(err, "opening report %s", args[0])
		}
		defer f.Close()

		report, err := logwriter.ReadReport(f)
		if err != nil {
			return errors.Wrap(err, "parsing report")
		}

		printReport(report)
		return nil
	},
}

func printReport(r *logwriter.Report) {
	fmt.Printf("Application: %s %s\n", r.Application.Identifier, r.Application.Version)
	fmt.Printf("Process:     %d (native=%v)\n", r.Process.ID, r.Process.Native)
	if r.System.Version != "" {
		fmt.Printf("System:      %s\n", r.System.Version)
	}
	fmt.Printf("Signal:      %d (code=%d, addr=%#x)\n", r.Signal.Number, r.Signal.Code, r.Signal.Address)
	if r.Exception != nil {
		fmt.Printf("Exception:   %s: %s\n", r.Exception.Name, r.Exception.Reason)
	}

	fmt.Println()
	for i, th := range r.Threads {
		marker := ""
		if th.Crashed {
			marker = " (crashed)"
		}
		fmt.Printf("Thread %d%s:\n", i, marker)

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for j, ip := range th.Frames {
			fmt.Fprintf(tw, "  %d\t%#016x\t%s\n", j, ip, symbolFor(r, ip))
		}
		tw.Flush()
	}

	if len(r.Images) > 0 {
		fmt.Println("\nImages:")
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, img := range r.Images {
			fmt.Fprintf(tw, "  %#x\t%s\t%s\n", img.Base, humanize.Bytes(img.Size), img.Path)
		}
		tw.Flush()
	}
}

// symbolFor returns the path of the image containing ip, the best
// this command can do without the original binaries available to
// re-parse their symbol tables offline.
func symbolFor(r *logwriter.Report, ip uint64) string {
	for _, img := range r.Images {
		if ip >= img.Base && ip < img.Base+img.Size {
			return img.Path
		}
	}
	return "???"
}
