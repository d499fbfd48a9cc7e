package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/seantiz/async/internal/bench"
)

const (
	ansiReset = "\033[0m"
	ansiBold  = "\033[1m"
	ansiRed   = "\033[31m"
)

func renderReport(report *bench.Report, colorize bool) string {
	headers := []string{"Run", "Jobs", "Done", "Dead", "Ops/s", "p50 ms", "p95 ms", "p99 ms", "Max ms", "Dup"}
	aligns := []columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight}

	rows := make([][]string, 0, len(report.Runs))
	for _, r := range report.Runs {
		label := "iter " + strconv.Itoa(r.Iteration)
		if r.Warmup {
			label = "warmup " + strconv.Itoa(r.Iteration)
		}
		rows = append(rows, []string{
			label,
			strconv.Itoa(r.Jobs),
			strconv.Itoa(r.Done),
			strconv.Itoa(r.Dead),
			formatFloat(r.OpsPerSec),
			formatFloat(r.LatencyP50),
			formatFloat(r.LatencyP95),
			formatFloat(r.LatencyP99),
			formatFloat(r.LatencyMax),
			strconv.Itoa(r.Duplicates),
		})
	}

	var b strings.Builder
	b.WriteString(renderTable(headers, rows, aligns))
	b.WriteString("\n")

	s := report.Summary
	line := fmt.Sprintf("Throughput: %s ops/s (± %s, min %s, max %s) over %d runs; mean p99 %s ms",
		formatFloat(s.MeanOpsPerSec), formatFloat(s.StdDevOps),
		formatFloat(s.MinOpsPerSec), formatFloat(s.MaxOpsPerSec),
		s.Runs, formatFloat(s.MeanP99MS))
	if colorize {
		line = ansiBold + line + ansiReset
	}
	b.WriteString(line + "\n")

	if s.Duplicates > 0 {
		warn := fmt.Sprintf("WARNING: %d jobs executed successfully more than once", s.Duplicates)
		if colorize {
			warn = ansiRed + warn + ansiReset
		}
		b.WriteString(warn + "\n")
	}
	return b.String()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
