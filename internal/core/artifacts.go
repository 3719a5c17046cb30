package core

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"axpep-backend/internal/microservice"
	"axpep-backend/internal/sequence"
)

const (
	FormatTriplet      = "triplet"
	FormatAcpepTissue  = "acpep_tissue_csv"
	FormatAcpepSummary = "acpep_summary_csv"
	FormatMolecule     = "molecule_csv"
	FormatHemopep      = "hemopep_csv"

	// FailureSentinel fills cells of methods that produced nothing for a row.
	FailureSentinel = "-1"
	OutOfAD         = "OUT OF AD"
)

type Artifact struct {
	Name   string
	Format string
}

// Cell is what one artifact says about one sequence.
type Cell struct {
	// Label is shown in the classification table.
	Label string
	// Score is shown in the score table.
	Score string
	// Positive is set by formats that carry a classification.
	Positive bool
}

var headerCells = map[string]bool{
	"id":          true,
	"name":        true,
	"sequence id": true,
	"sequence_id": true,
	"molecule_id": true,
}

// IsClassifierFormat reports whether Cell.Positive is meaningful for format.
func IsClassifierFormat(format string) bool {
	switch format {
	case FormatTriplet, FormatAcpepTissue, FormatAcpepSummary:
		return true
	}
	return false
}

// ParseArtifact reads a raw artifact into cells keyed by normalized sequence id.
// When an id appears more than once the first row wins.
func ParseArtifact(format string, data []byte, threshold float64) (map[string]Cell, error) {
	switch format {
	case FormatTriplet:
		return parseTriplet(data), nil
	case FormatAcpepTissue:
		return parseCSVArtifact(data, func(row []string) (Cell, bool) {
			return acpepTissueCell(row, threshold)
		})
	case FormatAcpepSummary:
		return parseCSVArtifact(data, acpepSummaryCell)
	case FormatMolecule:
		return parseCSVArtifact(data, valueCell(2))
	case FormatHemopep:
		return parseCSVArtifact(data, valueCell(4))
	default:
		return nil, fmt.Errorf("unknown artifact format '%s'", format)
	}
}

func parseTriplet(data []byte) map[string]Cell {
	cells := make(map[string]Cell)
	for _, line := range strings.Split(string(data), "\n") {
		// Ids may contain '#'. Only a " # " after the three fields starts a comment.
		if i := strings.Index(line, " # "); i >= 0 && len(strings.Fields(line[:i])) >= 3 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}

		n := len(fields)
		id := sequence.NormalizeId(strings.Join(fields[:n-2], " "))
		if _, ok := cells[id]; ok {
			continue
		}
		label := normalizeLabel(fields[n-2])
		cells[id] = Cell{Label: label, Score: normalizeScore(fields[n-1]), Positive: label == "1"}
	}
	return cells
}

func parseCSVArtifact(data []byte, cell func(row []string) (Cell, bool)) (map[string]Cell, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	cells := make(map[string]Cell)
	first := true
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading csv artifact: %w", err)
		}
		// Whitespace delimited .out rows land in a single cell.
		if len(row) == 1 {
			row = strings.Fields(row[0])
		}

		if first {
			first = false
			if len(row) > 0 && headerCells[strings.ToLower(strings.TrimSpace(row[0]))] {
				continue
			}
		}
		if len(row) < 2 {
			continue
		}

		id := sequence.NormalizeId(row[0])
		if id == "" {
			continue
		}
		if _, ok := cells[id]; ok {
			continue
		}
		if c, ok := cell(row); ok {
			cells[id] = c
		}
	}
	return cells, nil
}

// acpepTissueCell reads id,label,score[,out_of_ad] rows. Two column rows carry
// the score directly.
func acpepTissueCell(row []string, threshold float64) (Cell, bool) {
	raw := strings.TrimSpace(row[1])
	if len(row) > 2 {
		raw = strings.TrimSpace(row[2])
	}

	score, numeric := parseNumber(raw)
	outOfAD := false
	if len(row) > 3 {
		outOfAD, _ = strconv.ParseBool(strings.TrimSpace(strings.ToLower(row[3])))
	} else {
		outOfAD = numeric && score == 0
	}

	if outOfAD {
		return Cell{Label: OutOfAD, Score: normalizeScore(raw)}, true
	}
	if !numeric {
		return Cell{Label: raw, Score: raw}, raw != ""
	}

	value := microservice.FormatFloat(score)
	return Cell{Label: value, Score: value, Positive: score > threshold}, true
}

func acpepSummaryCell(row []string) (Cell, bool) {
	label := normalizeLabel(row[1])
	if label == "" {
		label = "0"
	}
	score := ""
	if len(row) > 2 {
		score = normalizeScore(row[2])
	}
	return Cell{Label: label, Score: score, Positive: label == "1"}, true
}

// valueCell reads regression artifacts whose value sits in column col, or in
// the last column of shorter rows.
func valueCell(col int) func(row []string) (Cell, bool) {
	return func(row []string) (Cell, bool) {
		raw := row[len(row)-1]
		if col < len(row) {
			raw = row[col]
		}
		value := normalizeScore(raw)
		return Cell{Label: value, Score: value}, value != ""
	}
}

func parseNumber(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v, err == nil
}

func normalizeScore(s string) string {
	s = strings.TrimSpace(s)
	if v, ok := parseNumber(s); ok {
		return microservice.FormatFloat(v)
	}
	return s
}

func normalizeLabel(s string) string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "amp", "true", "positive", "yes":
		return "1"
	case "non-amp", "nonamp", "false", "negative", "no":
		return "0"
	}
	if v, ok := parseNumber(s); ok {
		return microservice.FormatFloat(v)
	}
	return s
}

// WriteArtifact renders microservice predictions in format. Rows follow the
// input order and only ids the service answered for are written.
func WriteArtifact(format string, records []sequence.Record, preds []microservice.Prediction, threshold float64) ([]byte, error) {
	byId := make(map[string]microservice.Prediction, len(preds))
	for _, p := range preds {
		id := sequence.NormalizeId(p.Id)
		if _, ok := byId[id]; !ok && id != "" {
			byId[id] = p
		}
	}

	if format == FormatTriplet {
		return writeTriplet(records, byId), nil
	}

	var header []string
	var row func(r sequence.Record, p microservice.Prediction) []string

	switch format {
	case FormatAcpepTissue:
		header = []string{"id", "classification", "score", "out_of_ad"}
		row = func(r sequence.Record, p microservice.Prediction) []string {
			label := "0"
			if v, ok := parseNumber(p.Prediction); ok && v > threshold {
				label = "1"
			}
			return []string{r.Id, label, p.Prediction, strconv.FormatBool(p.OutOfAD)}
		}
	case FormatAcpepSummary:
		header = []string{"id", "prediction", "probability"}
		row = func(r sequence.Record, p microservice.Prediction) []string {
			return []string{r.Id, p.Prediction, formatProbability(p.Probability)}
		}
	case FormatMolecule:
		header = []string{"id", "smiles", "pre"}
		row = func(r sequence.Record, p microservice.Prediction) []string {
			smiles := r.Sequence
			if smiles == "" {
				smiles = p.Sequence
			}
			return []string{r.Id, smiles, p.Prediction}
		}
	case FormatHemopep:
		header = []string{"Sequence ID", "Sequence", "HC5", "HC10", "HC50"}
		row = func(r sequence.Record, p microservice.Prediction) []string {
			out := []string{r.Id, r.Sequence}
			for _, key := range []string{"HC5", "HC10", "HC50"} {
				if v, ok := p.Extra[key]; ok {
					out = append(out, microservice.FormatFloat(v))
				} else {
					out = append(out, "")
				}
			}
			return out
		}
	default:
		return nil, fmt.Errorf("unknown artifact format '%s'", format)
	}

	rows := [][]string{header}
	for _, r := range records {
		p, ok := byId[sequence.NormalizeId(r.Id)]
		if !ok || p.Failed() {
			continue
		}
		rows = append(rows, row(r, p))
	}

	return encodeCSV(rows)
}

func writeTriplet(records []sequence.Record, byId map[string]microservice.Prediction) []byte {
	var buf bytes.Buffer
	for _, r := range records {
		p, ok := byId[sequence.NormalizeId(r.Id)]
		if !ok {
			continue
		}
		if p.Failed() {
			fmt.Fprintf(&buf, "%s %s %s # %s\n", r.Id, FailureSentinel, FailureSentinel, strings.ReplaceAll(p.Error, "\n", " "))
			continue
		}
		fmt.Fprintf(&buf, "%s %s %s\n", r.Id, p.Prediction, formatProbability(p.Probability))
	}
	return buf.Bytes()
}

func formatProbability(p *float64) string {
	if p == nil {
		return FailureSentinel
	}
	return microservice.FormatFloat(*p)
}

func encodeCSV(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("error encoding csv: %w", err)
	}
	return buf.Bytes(), nil
}
