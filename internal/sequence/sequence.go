package sequence

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// Record is one input sequence (or molecule) in the order it was submitted.
type Record struct {
	Id       string
	Sequence string
}

type ValidationError struct {
	Line int
	Msg  string
}

func (e *ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
	}
	return e.Msg
}

func invalid(line int, format string, args ...any) error {
	return &ValidationError{Line: line, Msg: fmt.Sprintf(format, args...)}
}

// NormalizeId trims the id and collapses internal runs of whitespace so ids
// that went through an upstream round trip still match the input.
func NormalizeId(id string) string {
	return strings.Join(strings.Fields(id), " ")
}

const maxLineLength = 16 * 1024 * 1024

func newScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	return scanner
}

// ParseFasta reads FASTA records. Sequence lines following a header are
// concatenated, blank lines are ignored.
func ParseFasta(r io.Reader) ([]Record, error) {
	scanner := newScanner(r)

	var records []Record
	var seq strings.Builder
	lineNo := 0

	flush := func() {
		if len(records) > 0 {
			records[len(records)-1].Sequence = seq.String()
		}
		seq.Reset()
	}

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, ">") {
			flush()
			id := NormalizeId(line[1:])
			if id == "" {
				return nil, invalid(lineNo, "empty sequence header")
			}
			records = append(records, Record{Id: id})
			continue
		}

		if len(records) == 0 {
			return nil, invalid(lineNo, "expected a header line starting with '>'")
		}
		seq.WriteString(line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading fasta: %w", err)
	}
	flush()

	return records, nil
}

func ParseFastaBytes(data []byte) ([]Record, error) {
	return ParseFasta(bytes.NewReader(data))
}

// ParseSmiles reads one molecule per line as "SMILES [ID]". Lines starting
// with '#' are comments. Molecules without an id are named mol_<line>.
func ParseSmiles(r io.Reader) ([]Record, error) {
	scanner := newScanner(r)

	var records []Record
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		record := Record{Sequence: fields[0]}
		if len(fields) > 1 {
			record.Id = strings.Join(fields[1:], " ")
		} else {
			record.Id = fmt.Sprintf("mol_%d", lineNo)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading smiles: %w", err)
	}

	return records, nil
}

func ParseSmilesBytes(data []byte) ([]Record, error) {
	return ParseSmiles(bytes.NewReader(data))
}

func FormatFasta(records []Record) []byte {
	var buf bytes.Buffer
	for _, r := range records {
		buf.WriteString(">")
		buf.WriteString(r.Id)
		buf.WriteString("\n")
		buf.WriteString(r.Sequence)
		buf.WriteString("\n")
	}
	return buf.Bytes()
}

func Ids(records []Record) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.Id
	}
	return ids
}
