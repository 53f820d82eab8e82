package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/shinji-kodama/worktree-registry/internal/model"
)

// Colour functions for text output. fatih/color disables them when stdout
// is not a terminal or NO_COLOR is set.
var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	blue   = color.New(color.FgBlue).SprintFunc()
	dim    = color.New(color.Faint).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// printJSON writes v as indented JSON followed by a newline.
func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// pad left-justifies s in a column of width n. Padding is computed on the
// uncoloured text so escape codes do not break alignment.
func pad(s, coloured string, n int) string {
	if len(s) >= n {
		return coloured + " "
	}
	return coloured + strings.Repeat(" ", n-len(s)+1)
}

func statusText(s model.EntryStatus) string {
	switch s {
	case model.StatusActive:
		return green(s.String())
	case model.StatusLocked:
		return blue(s.String())
	case model.StatusPendingRemoval:
		return yellow(s.String())
	default:
		return s.String()
	}
}

func healthText(h model.HealthStatus) string {
	switch h {
	case model.HealthHealthy:
		return green(h.String())
	case model.HealthUnhealthy:
		return red(h.String())
	case model.HealthNotRunning:
		return yellow(h.String())
	default:
		return dim(h.String())
	}
}

func mergeText(m model.MergeStatus) string {
	switch m {
	case model.MergeClean:
		return green(m.String())
	case model.MergeNeedsRebase:
		return yellow(m.String())
	case model.MergeConflicts, model.MergeDiverged:
		return red(m.String())
	default:
		return m.String()
	}
}

// FormatPortsList converts a slice of PortAllocations into a comma-separated
// string of "service=port" pairs, sorted numerically by port. Returns "-"
// if no ports are allocated.
//
// Example:
//
//	[{Port: 8100, Service: api}, {Port: 8000, Service: web}] → "web=8000,api=8100"
//	[]                                                      → "-"
func FormatPortsList(allocations []model.PortAllocation) string {
	if len(allocations) == 0 {
		return "-"
	}
	sorted := slices.Clone(allocations)
	// numeric order: a string sort would put "15432" before "3000"
	slices.SortFunc(sorted, func(a, b model.PortAllocation) int { return a.Port - b.Port })

	parts := make([]string, 0, len(sorted))
	for _, a := range sorted {
		parts = append(parts, string(a.Service)+"="+strconv.Itoa(a.Port))
	}
	return strings.Join(parts, ",")
}

// parseServices turns "web,api" flag values into services.
func parseServices(values []string) ([]model.Service, error) {
	var services []model.Service
	for _, name := range splitValues(values) {
		svc, err := model.ParseService(name)
		if err != nil {
			return nil, model.WrapCLIError(model.ExitValidation, "invalid --services value", err)
		}
		services = append(services, svc)
	}
	return services, nil
}

// splitValues flattens repeated and comma-separated flag values, dropping
// blanks.
func splitValues(values []string) []string {
	var out []string
	for _, v := range values {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// age renders the time since t in the largest sensible unit.
func age(now, t time.Time) string {
	d := now.Sub(t)
	switch {
	case t.IsZero():
		return "-"
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
