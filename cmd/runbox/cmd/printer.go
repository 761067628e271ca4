package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/oriys/runbox/internal/domain"
)

// Printer 按配置的输出格式（table/json/yaml）打印结果。
type Printer struct {
	format string
	writer io.Writer
}

// NewPrinter 从 viper 配置中读取 output，未配置时使用 table。
func NewPrinter(w io.Writer) *Printer {
	format := viper.GetString("output")
	if format == "" {
		format = "table"
	}
	return &Printer{format: format, writer: w}
}

// print 在 json/yaml 格式下直接序列化 v，否则调用 table。
func (p *Printer) print(v any, table func() error) error {
	switch p.format {
	case "json":
		enc := json.NewEncoder(p.writer)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(p.writer)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return table()
	}
}

func (p *Printer) PrintFunctions(fns []*domain.Function, total int64) error {
	return p.print(fns, func() error {
		if len(fns) == 0 {
			fmt.Fprintln(p.writer, "No functions found")
			return nil
		}
		w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tRUNTIME\tROUTE\tTIMEOUT\tUPDATED")
		for _, fn := range fns {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%gs\t%s\n",
				fn.ID, fn.Name, fn.Runtime, fn.Route, fn.TimeoutSeconds, timeAgo(fn.UpdatedAt))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if total > int64(len(fns)) {
			fmt.Fprintf(p.writer, "\nShowing %d of %d functions\n", len(fns), total)
		}
		return nil
	})
}

func (p *Printer) PrintFunction(fn *domain.Function) error {
	return p.print(fn, func() error {
		fmt.Fprintf(p.writer, "ID:       %d\n", fn.ID)
		fmt.Fprintf(p.writer, "Name:     %s\n", fn.Name)
		fmt.Fprintf(p.writer, "Runtime:  %s\n", fn.Runtime)
		fmt.Fprintf(p.writer, "Route:    %s\n", fn.Route)
		fmt.Fprintf(p.writer, "Timeout:  %g seconds\n", fn.TimeoutSeconds)
		fmt.Fprintf(p.writer, "Created:  %s\n", fn.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(p.writer, "Updated:  %s\n", fn.UpdatedAt.Format(time.RFC3339))
		if fn.Code != "" {
			fmt.Fprintf(p.writer, "\nCode:\n%s\n", fn.Code)
		}
		return nil
	})
}

// PrintResult 打印一次执行结果。executionID 为空时表示本地执行。
func (p *Printer) PrintResult(executionID string, result domain.ExecutionResult) error {
	v := any(result)
	if executionID != "" {
		v = struct {
			ExecutionID string `json:"execution_id" yaml:"execution_id"`
			domain.ExecutionResult `yaml:",inline"`
		}{executionID, result}
	}
	return p.print(v, func() error {
		if executionID != "" {
			fmt.Fprintf(p.writer, "Execution ID: %s\n", executionID)
		}
		fmt.Fprintf(p.writer, "Status:       %s\n", result.Status)
		fmt.Fprintf(p.writer, "Exit Code:    %d\n", result.ExitCode)
		fmt.Fprintf(p.writer, "Duration:     %.3fs\n", result.ExecutionTimeSeconds)
		if result.Backend != "" {
			fmt.Fprintf(p.writer, "Backend:      %s\n", result.Backend)
		}
		if result.ErrorKind != "" {
			fmt.Fprintf(p.writer, "Error Kind:   %s\n", result.ErrorKind)
		}
		if result.Output != "" {
			fmt.Fprintf(p.writer, "\nOutput:\n%s\n", result.Output)
		}
		return nil
	})
}

func (p *Printer) PrintMetrics(recs []*domain.MetricRecord) error {
	return p.print(recs, func() error {
		if len(recs) == 0 {
			fmt.Fprintln(p.writer, "No metrics recorded")
			return nil
		}
		w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIMESTAMP\tSTATUS\tEXIT\tDURATION\tERROR")
		for _, rec := range recs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%.3fs\t%s\n",
				rec.Timestamp.Format(time.RFC3339), rec.Status, rec.ExitCode, rec.ExecutionTime, firstLine(rec.ErrorMessage))
		}
		return w.Flush()
	})
}

func (p *Printer) PrintStats(stats *domain.FunctionStats) error {
	return p.print(stats, func() error {
		fmt.Fprintf(p.writer, "Function:      %d\n", stats.FunctionID)
		fmt.Fprintf(p.writer, "Executions:    %d\n", stats.TotalExecutions)
		fmt.Fprintf(p.writer, "Avg Duration:  %.3fs\n", stats.AvgExecutionTime)
		fmt.Fprintf(p.writer, "Avg Memory:    %.1f MB\n", stats.AvgMemoryUsage)
		fmt.Fprintf(p.writer, "Success Rate:  %.1f%%\n", stats.SuccessRate)
		fmt.Fprintf(p.writer, "Error Rate:    %.1f%%\n", stats.ErrorRate)
		return nil
	})
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 60 {
		s = s[:57] + "..."
	}
	return s
}

func timeAgo(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
