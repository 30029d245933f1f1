// Package export renders the facts of a finished (or paused) run into flat
// files and stores them as blobs under exports/<run>/.
package export

import (
	"aquasim/internal/blob"
	"aquasim/pkg/domain"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Format is an export file format.
type Format string

// Supported formats.
const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "jsonl"
)

// ParseFormats resolves a comma separated format list. An empty list selects
// every format.
func ParseFormats(s string) ([]Format, error) {
	if strings.TrimSpace(s) == "" {
		return []Format{FormatCSV, FormatJSON}, nil
	}
	var out []Format
	seen := make(map[Format]bool)
	for _, part := range strings.Split(s, ",") {
		f := Format(strings.ToLower(strings.TrimSpace(part)))
		switch f {
		case FormatCSV, FormatJSON:
		case "json":
			f = FormatJSON
		default:
			return nil, fmt.Errorf("export: unsupported format %q", part)
		}
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out, nil
}

func (f Format) contentType() string {
	if f == FormatCSV {
		return "text/csv"
	}
	return "application/x-ndjson"
}

// Artifact describes one stored export file.
type Artifact struct {
	Key         string    `json:"key"`
	Format      Format    `json:"format"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	Rows        int       `json:"rows"`
	CreatedAt   time.Time `json:"created_at"`
}

// Manifest is written next to the artifacts of a run.
type Manifest struct {
	RunID     string            `json:"run_id"`
	Cohorts   []string          `json:"cohorts"`
	Stats     domain.FactStats  `json:"stats"`
	Artifacts []Artifact        `json:"artifacts"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Request selects what to export.
type Request struct {
	RunID   string
	Formats []Format
	// Kinds restricts the exported fact kinds; empty exports all.
	Kinds  []domain.FactKind
	Labels map[string]string
}

// ErrNoCohorts is returned when the store holds nothing for the run.
var ErrNoCohorts = errors.New("export: run has no cohorts")

// DefaultWindow is the span of fact time read from the store per page.
const DefaultWindow = 30 * 24 * time.Hour

// Exporter reads facts from the durable store and writes them to blobs.
// Facts are read one time window at a time and streamed into the blob store,
// so an export never holds a whole run in memory.
type Exporter struct {
	store  domain.PersistentStore
	blobs  blob.Store
	prefix string
	logger *slog.Logger
	now    func() time.Time
	window time.Duration
}

// New returns an exporter writing below prefix (default "exports").
func New(store domain.PersistentStore, blobs blob.Store, prefix string, logger *slog.Logger) *Exporter {
	if prefix == "" {
		prefix = "exports"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{store: store, blobs: blobs, prefix: prefix, logger: logger, now: time.Now, window: DefaultWindow}
}

// SetNowFunc overrides the artifact timestamp clock.
func (e *Exporter) SetNowFunc(fn func() time.Time) { e.now = fn }

// Key returns the blob key of a run's export file.
func (e *Exporter) Key(runID, name string) string { return path.Join(e.prefix, runID, name) }

// Export renders every requested format and replaces earlier exports of the
// same run.
func (e *Exporter) Export(ctx context.Context, req Request) (Manifest, error) {
	if req.RunID == "" {
		return Manifest{}, errors.New("export: run id required")
	}
	formats := req.Formats
	if len(formats) == 0 {
		formats = []Format{FormatCSV, FormatJSON}
	}
	var cohorts []string
	for _, c := range e.store.ListCohorts() {
		if c.RunID == req.RunID {
			cohorts = append(cohorts, c.ID)
		}
	}
	if len(cohorts) == 0 {
		return Manifest{}, fmt.Errorf("%w: %s", ErrNoCohorts, req.RunID)
	}
	filter := domain.FactFilter{CohortIDs: cohorts, Kinds: req.Kinds}
	stats, err := e.store.FactStats(ctx, filter)
	if err != nil {
		return Manifest{}, fmt.Errorf("export: fact stats: %w", err)
	}
	src := source{filter: filter, total: stats.Total(), assignments: make(map[string]domain.Assignment)}
	member := make(map[string]bool, len(cohorts))
	for _, id := range cohorts {
		member[id] = true
	}
	for _, a := range e.store.ListAssignments() {
		if !member[a.CohortID] {
			continue
		}
		src.assignments[a.ID] = a
		if src.from.IsZero() || a.StartDate.Before(src.from) {
			src.from = domain.Day(a.StartDate)
		}
	}

	manifest := Manifest{RunID: req.RunID, Cohorts: cohorts, Stats: stats, Labels: req.Labels, CreatedAt: e.now().UTC()}
	for _, format := range formats {
		if format != FormatCSV && format != FormatJSON {
			return Manifest{}, fmt.Errorf("export: unsupported format %q", format)
		}
		var rows int64
		art, err := e.replace(ctx, e.Key(req.RunID, "facts."+string(format)), format.contentType(), req.RunID,
			func(w io.Writer) (err error) {
				rows, err = e.render(ctx, w, format, src)
				return err
			})
		if err != nil {
			return Manifest{}, err
		}
		art.Format = format
		art.Rows = int(rows)
		manifest.Artifacts = append(manifest.Artifacts, art)
	}
	body, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return Manifest{}, fmt.Errorf("export: marshal manifest: %w", err)
	}
	_, err = e.replace(ctx, e.Key(req.RunID, "manifest.json"), "application/json", req.RunID,
		func(w io.Writer) error {
			_, err := w.Write(body)
			return err
		})
	if err != nil {
		return Manifest{}, err
	}
	e.logger.Info("exported run", "run", req.RunID, "facts", stats.Total(), "artifacts", len(manifest.Artifacts))
	return manifest, nil
}

// LoadManifest reads the manifest of an earlier export.
func (e *Exporter) LoadManifest(ctx context.Context, runID string) (Manifest, error) {
	_, rc, err := e.blobs.Get(ctx, e.Key(runID, "manifest.json"))
	if err != nil {
		return Manifest{}, fmt.Errorf("export: manifest %s: %w", runID, err)
	}
	defer rc.Close()
	var m Manifest
	if err := json.NewDecoder(rc).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("export: decode manifest %s: %w", runID, err)
	}
	return m, nil
}

// source is the fact selection of one export.
type source struct {
	filter      domain.FactFilter
	from        time.Time
	total       int64
	assignments map[string]domain.Assignment
}

// render pages through the selected facts by time window, in time then id
// order, and writes each page before reading the next.
func (e *Exporter) render(ctx context.Context, w io.Writer, format Format, src source) (int64, error) {
	out := newRowWriter(format, w)
	if err := out.begin(); err != nil {
		return 0, err
	}
	var rows int64
	for start := src.from; rows < src.total; start = start.Add(e.window) {
		end := start.Add(e.window)
		page := src.filter
		page.From, page.Until = &start, &end
		facts, err := e.store.ListFacts(ctx, page)
		if err != nil {
			return rows, fmt.Errorf("export: list facts from %s: %w", start.Format(time.RFC3339), err)
		}
		if len(facts) == 0 {
			rest := src.filter
			rest.From = &end
			left, err := e.store.FactStats(ctx, rest)
			if err != nil {
				return rows, fmt.Errorf("export: fact stats: %w", err)
			}
			if left.Total() == 0 {
				break
			}
			continue
		}
		sort.SliceStable(facts, func(i, j int) bool {
			if !facts[i].At.Equal(facts[j].At) {
				return facts[i].At.Before(facts[j].At)
			}
			return facts[i].ID < facts[j].ID
		})
		for _, f := range facts {
			if err := out.write(f, src.assignments[f.AssignmentID]); err != nil {
				return rows, err
			}
			rows++
		}
	}
	return rows, out.flush()
}

// replace deletes key and streams what write produces into a new blob.
func (e *Exporter) replace(ctx context.Context, key, contentType, runID string, write func(io.Writer) error) (Artifact, error) {
	if _, err := e.blobs.Delete(ctx, key); err != nil {
		return Artifact{}, fmt.Errorf("export: delete %s: %w", key, err)
	}
	pr, pw := io.Pipe()
	counted := &counter{w: pw}
	done := make(chan error, 1)
	go func() {
		err := write(counted)
		_ = pw.CloseWithError(err)
		done <- err
	}()
	info, err := e.blobs.Put(ctx, key, pr, blob.PutOptions{
		ContentType: contentType,
		Metadata:    map[string]string{"run": runID},
	})
	_ = pr.Close()
	werr := <-done
	if err != nil {
		return Artifact{}, fmt.Errorf("export: put %s: %w", key, err)
	}
	if werr != nil {
		return Artifact{}, fmt.Errorf("export: render %s: %w", key, werr)
	}
	size := info.Size
	if size == 0 {
		size = counted.n
	}
	return Artifact{Key: key, ContentType: contentType, SizeBytes: size, CreatedAt: e.now().UTC()}, nil
}

type counter struct {
	w io.Writer
	n int64
}

func (c *counter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Columns is the CSV header. Payload columns not used by a row stay empty.
var Columns = []string{
	"id", "at", "kind", "assignment_id", "cohort_id", "container_id", "stage",
	"parameter", "value", "unit",
	"feed_type", "planned_kg", "fed_kg", "cost", "shortage",
	"mortality", "cause",
	"disease", "event", "multiplier", "withholding_until",
	"avg_weight_g", "population", "biomass_kg",
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func row(f domain.Fact, a domain.Assignment) []string {
	out := make([]string, len(Columns))
	out[0] = f.ID
	out[1] = f.At.UTC().Format(time.RFC3339)
	out[2] = string(f.Kind)
	out[3] = f.AssignmentID
	out[4] = a.CohortID
	out[5] = a.ContainerID
	out[6] = string(a.Stage)
	switch {
	case f.Reading != nil:
		out[7] = f.Reading.Parameter.String()
		out[8] = formatFloat(f.Reading.Value)
		out[9] = f.Reading.Parameter.Unit()
	case f.Feeding != nil:
		out[10] = f.Feeding.FeedType
		out[11] = formatFloat(f.Feeding.PlannedKg)
		out[12] = formatFloat(f.Feeding.FedKg)
		out[13] = f.Feeding.Cost.StringFixed(2)
		out[14] = strconv.FormatBool(f.Feeding.Shortage)
	case f.Mortality != nil:
		out[15] = strconv.FormatInt(f.Mortality.Count, 10)
		out[16] = f.Mortality.Cause
	case f.Health != nil:
		out[17] = f.Health.Disease
		out[18] = string(f.Health.Event)
		out[19] = formatFloat(f.Health.Multiplier)
		if f.Health.WithholdingUntil != nil {
			out[20] = f.Health.WithholdingUntil.Format(time.DateOnly)
		}
	case f.Growth != nil:
		out[21] = formatFloat(f.Growth.AvgWeightG)
		out[22] = strconv.FormatInt(f.Growth.Population, 10)
		out[23] = formatFloat(f.Growth.BiomassKg)
	}
	return out
}

// rowWriter encodes facts in one export format.
type rowWriter interface {
	begin() error
	write(f domain.Fact, a domain.Assignment) error
	flush() error
}

func newRowWriter(format Format, w io.Writer) rowWriter {
	if format == FormatCSV {
		return csvRows{w: csv.NewWriter(w)}
	}
	return jsonRows{enc: json.NewEncoder(w)}
}

type csvRows struct{ w *csv.Writer }

func (c csvRows) begin() error { return c.w.Write(Columns) }

func (c csvRows) write(f domain.Fact, a domain.Assignment) error { return c.w.Write(row(f, a)) }

func (c csvRows) flush() error {
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return fmt.Errorf("export: csv: %w", err)
	}
	return nil
}

// line is one JSON lines record: the fact plus its assignment context.
type line struct {
	domain.Fact
	CohortID    string       `json:"cohort_id"`
	ContainerID string       `json:"container_id"`
	Stage       domain.Stage `json:"stage"`
}

type jsonRows struct{ enc *json.Encoder }

func (jsonRows) begin() error { return nil }

func (j jsonRows) write(f domain.Fact, a domain.Assignment) error {
	if err := j.enc.Encode(line{Fact: f, CohortID: a.CohortID, ContainerID: a.ContainerID, Stage: a.Stage}); err != nil {
		return fmt.Errorf("export: encode %s: %w", f.ID, err)
	}
	return nil
}

func (jsonRows) flush() error { return nil }
