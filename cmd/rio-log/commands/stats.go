package commands

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/rmg-rio/rio-go/pkg/log"
)

// RunStats summarizes the capture and prints the result.
func RunStats(path string, w io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open capture: %w", err)
	}
	defer reader.Close()

	summary, err := log.Summarize(reader)
	if err != nil && !errors.Is(err, log.ErrTruncated) {
		return fmt.Errorf("failed to read event: %w", err)
	}
	printSummary(w, summary)
	if err != nil {
		fmt.Fprintf(w, "\nWarning: %v\n", err)
	}
	return nil
}

func printSummary(w io.Writer, s *log.Summary) {
	fmt.Fprintln(w, "=== rio Capture Statistics ===")
	fmt.Fprintln(w)

	if s.Total > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			s.First.Format(time.RFC3339),
			s.Last.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", s.Duration().Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", s.Total)
	fmt.Fprintf(w, "Sessions:     %d\n", len(s.Sessions))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerTransport, log.LayerWire, log.LayerSession} {
		if count := s.ByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryMessage, log.CategoryControl, log.CategoryState, log.CategoryError} {
		if count := s.ByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if count := s.ByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", dir.String()+":", count)
		}
	}

	if len(s.ByKind) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Events by Kind:")
		for _, k := range sortedKeys(s.ByKind) {
			fmt.Fprintf(w, "  %-16s %d\n", k+":", s.ByKind[k])
		}
	}

	if len(s.ByDevice) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Events by Device:")
		for _, d := range sortedKeys(s.ByDevice) {
			fmt.Fprintf(w, "  %-12s %d\n", d+":", s.ByDevice[d])
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Probes: %d (%d failed)\n", s.Probes, s.ProbeFails)
	fmt.Fprintf(w, "Errors: %d\n", s.Errors)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
