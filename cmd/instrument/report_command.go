package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ongoingai/instrument/internal/config"
	"github.com/ongoingai/instrument/internal/instrument"
	"github.com/ongoingai/instrument/internal/trace"
)

const (
	defaultReportFormat = "text"
	defaultReportLimit  = 20
	maxReportLimit      = 200
	reportSchemaVersion = "report.v1"
)

type reportDocument struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Storage       reportStorageInfo `json:"storage"`
	Filters       reportFilterInfo  `json:"filters"`
	Summary       []reportNameInfo  `json:"summary"`
	Events        []reportEventInfo `json:"events"`
	NextCursor    string            `json:"next_cursor,omitempty"`
}

type reportStorageInfo struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
}

type reportFilterInfo struct {
	Name     string     `json:"name,omitempty"`
	Platform string     `json:"platform,omitempty"`
	From     *time.Time `json:"from,omitempty"`
	To       *time.Time `json:"to,omitempty"`
	Limit    int        `json:"limit"`
}

type reportNameInfo struct {
	Name          string  `json:"name"`
	Events        int     `json:"events"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
	MaxDurationMS float64 `json:"max_duration_ms"`
	Failures      int     `json:"failures"`
}

type reportEventInfo struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Timestamp  time.Time          `json:"timestamp"`
	DurationMS float64            `json:"duration_ms"`
	Platform   string             `json:"platform,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	Attributes map[string]string  `json:"attributes,omitempty"`
}

func runReport(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("report", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	paths := registerConfigFlags(flagSet)
	format := flagSet.String("format", defaultReportFormat, "Output format: text or json")
	fromRaw := flagSet.String("from", "", "Report start time (RFC3339 or YYYY-MM-DD)")
	toRaw := flagSet.String("to", "", "Report end time (RFC3339 or YYYY-MM-DD)")
	name := flagSet.String("name", "", "Trace name filter")
	platform := flagSet.String("platform", "", "Platform filter")
	limit := flagSet.Int("limit", defaultReportLimit, "Recent event count (1-200)")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "report does not accept positional arguments")
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("report", *format, defaultReportFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}
	if *limit < 1 || *limit > maxReportLimit {
		fmt.Fprintf(errOut, "invalid report limit %d: expected 1-%d\n", *limit, maxReportLimit)
		return 2
	}
	from, err := parseReportTime(*fromRaw, false)
	if err != nil {
		fmt.Fprintf(errOut, "invalid --from: %v\n", err)
		return 2
	}
	to, err := parseReportTime(*toRaw, true)
	if err != nil {
		fmt.Fprintf(errOut, "invalid --to: %v\n", err)
		return 2
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		fmt.Fprintln(errOut, "invalid time range: --to is before --from")
		return 2
	}

	cfg, ok := loadConfigOrReport(paths, errOut)
	if !ok {
		return 1
	}
	if strings.TrimSpace(cfg.Storage.Driver) == config.StorageDriverNone {
		fmt.Fprintln(errOut, "report requires storage.driver to be sqlite, postgres, or redis")
		return 1
	}

	store, err := openEventStore(cfg.Storage)
	if err != nil {
		fmt.Fprintf(errOut, "failed to open trace event store: %v\n", err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(errOut, "warning: failed to close trace event store: %v\n", err)
		}
	}()

	filter := trace.EventFilter{
		Name:     strings.TrimSpace(*name),
		Platform: strings.TrimSpace(*platform),
		From:     from,
		To:       to,
		Limit:    *limit,
	}
	result, err := store.RecentEvents(context.Background(), filter)
	if err != nil {
		fmt.Fprintf(errOut, "failed to query trace events: %v\n", err)
		return 1
	}

	doc := buildReportDocument(cfg.Storage, filter, result, time.Now().UTC())
	if normalizedFormat == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			fmt.Fprintf(errOut, "failed to write report: %v\n", err)
			return 1
		}
		return 0
	}
	writeReportText(out, doc)
	return 0
}

// parseReportTime accepts RFC3339 or a bare date. A bare --to date covers
// the whole day.
func parseReportTime(raw string, endOfDay bool) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return ts.UTC(), nil
	}
	day, err := time.Parse(time.DateOnly, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not RFC3339 or YYYY-MM-DD", raw)
	}
	if endOfDay {
		return day.Add(24*time.Hour - time.Nanosecond).UTC(), nil
	}
	return day.UTC(), nil
}

func buildReportDocument(storage config.StorageConfig, filter trace.EventFilter, result *trace.EventResult, now time.Time) reportDocument {
	doc := reportDocument{
		SchemaVersion: reportSchemaVersion,
		GeneratedAt:   now,
		Storage:       reportStorageInfo{Driver: storage.Driver},
		Filters: reportFilterInfo{
			Name:     filter.Name,
			Platform: filter.Platform,
			Limit:    filter.Limit,
		},
		Summary: []reportNameInfo{},
		Events:  []reportEventInfo{},
	}
	if storage.Driver == config.StorageDriverSQLite {
		doc.Storage.Path = storage.Path
	}
	if !filter.From.IsZero() {
		from := filter.From
		doc.Filters.From = &from
	}
	if !filter.To.IsZero() {
		to := filter.To
		doc.Filters.To = &to
	}
	if result == nil {
		return doc
	}
	doc.NextCursor = result.NextCursor

	byName := make(map[string]*reportNameInfo)
	for _, event := range result.Items {
		info := reportEventInfo{
			ID:         event.ID,
			Name:       event.Name,
			Timestamp:  event.Timestamp,
			DurationMS: event.DurationMS(),
			Platform:   event.Platform,
			Attributes: event.Attributes,
		}
		if len(event.Metrics) > 0 {
			info.Metrics = make(map[string]float64, len(event.Metrics))
			for _, m := range event.Metrics {
				info.Metrics[m.Name] = m.Value
			}
		}
		doc.Events = append(doc.Events, info)

		summary, ok := byName[event.Name]
		if !ok {
			summary = &reportNameInfo{Name: event.Name}
			byName[event.Name] = summary
		}
		summary.Events++
		summary.AvgDurationMS += info.DurationMS
		if info.DurationMS > summary.MaxDurationMS {
			summary.MaxDurationMS = info.DurationMS
		}
		if success, ok := event.Metric(instrument.MetricSuccess); ok && success == 0 {
			summary.Failures++
		}
	}

	for _, summary := range byName {
		summary.AvgDurationMS /= float64(summary.Events)
		doc.Summary = append(doc.Summary, *summary)
	}
	sort.Slice(doc.Summary, func(i, j int) bool {
		if doc.Summary[i].Events != doc.Summary[j].Events {
			return doc.Summary[i].Events > doc.Summary[j].Events
		}
		return doc.Summary[i].Name < doc.Summary[j].Name
	})
	return doc
}

func writeReportText(out io.Writer, doc reportDocument) {
	fmt.Fprintf(out, "storage: %s", doc.Storage.Driver)
	if doc.Storage.Path != "" {
		fmt.Fprintf(out, " (%s)", doc.Storage.Path)
	}
	fmt.Fprintln(out)

	if len(doc.Events) == 0 {
		fmt.Fprintln(out, "no trace events found")
		return
	}

	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tEVENTS\tAVG_MS\tMAX_MS\tFAILURES")
	for _, s := range doc.Summary {
		fmt.Fprintf(tw, "%s\t%d\t%.2f\t%.2f\t%d\n", s.Name, s.Events, s.AvgDurationMS, s.MaxDurationMS, s.Failures)
	}
	_ = tw.Flush()

	fmt.Fprintln(out)
	tw = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tNAME\tDURATION_MS\tPLATFORM\tID")
	for _, e := range doc.Events {
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\t%s\n", e.Timestamp.UTC().Format(time.RFC3339), e.Name, e.DurationMS, e.Platform, e.ID)
	}
	_ = tw.Flush()

	if doc.NextCursor != "" {
		fmt.Fprintf(out, "\nmore events available (cursor %s)\n", doc.NextCursor)
	}
}
