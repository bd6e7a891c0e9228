// Command classhist is the companion histogrammer tool referenced by
// spec.md §6 and sizeclass's class boundaries: it reads a trace file of
// decimal size-class indices, one per line, and reports how many times each
// of the 13 classes was hit plus a grand total. Grounded in
// original_source/classcount.c, generalized from that file's fixed switch
// ladder over 13 static counters to a sizeclass.Count-sized array so it
// keeps working if the class table ever grows.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jdbrandon/sandboxalloc/sizeclass"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Fatal("classhist")
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classhist <trace-file>",
		Short: "Count size-class occurrences in an allocator trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return errors.Wrap(err, "classhist: open trace file")
			}
			defer f.Close()

			counts, total, err := count(f)
			if err != nil {
				return err
			}
			printresults(cmd.OutOrStdout(), counts, total)
			return nil
		},
	}
	return cmd
}

// count reads one decimal class index per non-blank line from r and
// tallies it into a sizeclass.Count-sized histogram.
func count(r *os.File) (counts [sizeclass.Count]int, total int, err error) {
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		n, convErr := strconv.Atoi(text)
		if convErr != nil {
			return counts, total, errors.Wrapf(convErr, "classhist: line %d: %q is not a class index", line, text)
		}
		c := sizeclass.Class(n)
		if !sizeclass.Valid(c) {
			return counts, total, errors.Errorf("classhist: line %d: class %d out of range [0,%d]", line, n, sizeclass.Count-1)
		}
		counts[c]++
		total++
	}
	if err := scanner.Err(); err != nil {
		return counts, total, errors.Wrap(err, "classhist: reading trace file")
	}
	return counts, total, nil
}

func printresults(w io.Writer, counts [sizeclass.Count]int, total int) {
	for c := 0; c < sizeclass.Count; c++ {
		label := fmt.Sprintf("SIZE%d", c)
		if sizeclass.Class(c) == sizeclass.N {
			label = "SIZEN"
		}
		fmt.Fprintf(w, "%s:%d\t", label, counts[c])
	}
	fmt.Fprintf(w, "\ntotal allocations: %d\n", total)
}
