package sequence

import (
	"strings"
)

// Alphabet lists the characters allowed in a sequence. The empty alphabet
// accepts anything.
type Alphabet string

const (
	AlphabetAny        Alphabet = ""
	AlphabetPeptide    Alphabet = "ACDEFGHIKLMNPQRSTVWY"
	AlphabetNucleotide Alphabet = "ACGTUN"
)

func (a Alphabet) firstInvalid(seq string) (rune, bool) {
	if a == AlphabetAny {
		return 0, false
	}
	for _, c := range strings.ToUpper(seq) {
		if !strings.ContainsRune(string(a), c) {
			return c, true
		}
	}
	return 0, false
}

// Validate checks records parsed from a submission: at least one record,
// unique ids, non-empty sequences drawn from the alphabet.
func Validate(records []Record, alphabet Alphabet) error {
	if len(records) == 0 {
		return invalid(0, "input contains no sequences")
	}

	seen := make(map[string]int, len(records))
	for i, r := range records {
		if prev, ok := seen[r.Id]; ok {
			return invalid(0, "duplicate sequence id '%s' (records %d and %d)", r.Id, prev+1, i+1)
		}
		seen[r.Id] = i

		if r.Sequence == "" {
			return invalid(0, "sequence '%s' is empty", r.Id)
		}

		if c, bad := alphabet.firstInvalid(r.Sequence); bad {
			return invalid(0, "sequence '%s' contains invalid character '%c'", r.Id, c)
		}
	}

	return nil
}
