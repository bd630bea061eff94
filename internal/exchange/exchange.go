// Package exchange implements the versioned XML interchange format for
// judgment datasets and the CSV audit export of evaluation runs.
package exchange

import (
	"encoding/csv"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/taxrag/taxrag/internal/repository"
)

// FormatVersion is the judgment dataset schema version this build reads
// and writes. Documents with a different version are rejected whole.
const FormatVersion = 1

// Dataset is the root element of a judgment dataset document.
type Dataset struct {
	XMLName xml.Name `xml:"judgment_dataset"`
	Version int      `xml:"version,attr"`
	Records []Record `xml:"judgment"`
}

// Record is one judgment in the interchange document.
type Record struct {
	Query            string   `xml:"query"`
	RelevantChunkIDs []string `xml:"relevant_chunk_ids>chunk_id"`
	BestChunkID      string   `xml:"best_chunk_id,omitempty"`
	CreatedAt        string   `xml:"created_at"`
	UpdatedAt        string   `xml:"updated_at"`
}

// Conflict reports one record that could not be imported.
type Conflict struct {
	Index  int    `json:"index"`
	Query  string `json:"query,omitempty"`
	Reason string `json:"reason"`
}

// Encode writes the judgments as a versioned XML document.
func Encode(w io.Writer, judgments []*repository.Judgment) error {
	ds := Dataset{Version: FormatVersion}
	for _, j := range judgments {
		ds.Records = append(ds.Records, Record{
			Query:            j.Query,
			RelevantChunkIDs: j.RelevantChunkIDs,
			BestChunkID:      j.BestChunkID,
			CreatedAt:        j.CreatedAt.UTC().Format(time.RFC3339Nano),
			UpdatedAt:        j.UpdatedAt.UTC().Format(time.RFC3339Nano),
		})
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(ds); err != nil {
		return fmt.Errorf("failed to encode dataset: %w", err)
	}
	return enc.Close()
}

// Decode parses a judgment dataset document. Records that fail validation
// are reported as conflicts rather than failing the whole document; only a
// malformed document or a version mismatch is a hard error.
func Decode(r io.Reader) ([]*repository.Judgment, []Conflict, error) {
	var ds Dataset
	if err := xml.NewDecoder(r).Decode(&ds); err != nil {
		return nil, nil, fmt.Errorf("failed to parse dataset: %w", err)
	}
	if ds.Version != FormatVersion {
		return nil, nil, fmt.Errorf("unsupported dataset version %d, want %d", ds.Version, FormatVersion)
	}

	var judgments []*repository.Judgment
	var conflicts []Conflict
	seen := make(map[string]int)

	for i, rec := range ds.Records {
		if rec.Query == "" {
			conflicts = append(conflicts, Conflict{Index: i, Reason: "empty query"})
			continue
		}
		if prev, dup := seen[rec.Query]; dup {
			conflicts = append(conflicts, Conflict{
				Index:  i,
				Query:  rec.Query,
				Reason: fmt.Sprintf("duplicate of record %d", prev),
			})
			continue
		}
		if contains(rec.RelevantChunkIDs, "") {
			conflicts = append(conflicts, Conflict{
				Index:  i,
				Query:  rec.Query,
				Reason: "empty chunk_id in relevant_chunk_ids",
			})
			continue
		}
		if rec.BestChunkID != "" && !contains(rec.RelevantChunkIDs, rec.BestChunkID) {
			conflicts = append(conflicts, Conflict{
				Index:  i,
				Query:  rec.Query,
				Reason: "best_chunk_id not in relevant_chunk_ids",
			})
			continue
		}

		createdAt, err := parseTime(rec.CreatedAt)
		if err != nil {
			conflicts = append(conflicts, Conflict{Index: i, Query: rec.Query, Reason: "invalid created_at"})
			continue
		}
		updatedAt, err := parseTime(rec.UpdatedAt)
		if err != nil {
			conflicts = append(conflicts, Conflict{Index: i, Query: rec.Query, Reason: "invalid updated_at"})
			continue
		}

		seen[rec.Query] = i
		judgments = append(judgments, &repository.Judgment{
			Query:            rec.Query,
			RelevantChunkIDs: rec.RelevantChunkIDs,
			BestChunkID:      rec.BestChunkID,
			CreatedAt:        createdAt,
			UpdatedAt:        updatedAt,
		})
	}
	return judgments, conflicts, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	return time.Parse(time.RFC3339Nano, s)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// WriteRunsCSV writes an audit export of evaluation runs. One row per run,
// header first.
func WriteRunsCSV(w io.Writer, runs []*repository.EvaluationRun) error {
	cw := csv.NewWriter(w)
	header := []string{"id", "query", "search_type", "degraded_reason", "k", "hit_rate", "mrr", "precision_at_k", "precision_at_1", "created_at", "curated_at"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, run := range runs {
		curatedAt := ""
		if run.CuratedAt != nil {
			curatedAt = run.CuratedAt.UTC().Format(time.RFC3339Nano)
		}
		row := []string{
			run.ID.String(),
			run.Query,
			run.SearchType,
			run.DegradedReason,
			strconv.Itoa(run.K),
			strconv.Itoa(run.Metrics.HitRate),
			strconv.FormatFloat(run.Metrics.MRR, 'f', -1, 64),
			strconv.FormatFloat(run.Metrics.PrecisionAtK, 'f', -1, 64),
			strconv.Itoa(run.Metrics.PrecisionAt1),
			run.CreatedAt.UTC().Format(time.RFC3339Nano),
			curatedAt,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
