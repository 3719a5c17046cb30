package core

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"axpep-backend/internal/config"
	"axpep-backend/internal/microservice"
	"axpep-backend/internal/sequence"

	"gorm.io/datatypes"
)

type InputKind string

const (
	InputFasta  InputKind = "fasta"
	InputSmiles InputKind = "smiles"
)

const (
	ClassificationTable = "classification.csv"
	ScoreTable          = "score.csv"
	AmpActivityTable    = "amp_activity_prediction.csv"

	NumberOfPositivesColumn    = "number_of_positives"
	ProductOfProbabilityColumn = "product_of_probability"
)

// Application fixes the input file, the methods that may be requested and
// the layout of the result tables for one kind of task.
type Application struct {
	Name string

	// SubmissionFile is where the submitted payload is written. It differs from
	// InputFile only when a pre-step derives the prediction input from it.
	SubmissionFile string
	InputFile      string
	Input          InputKind
	// Alphabet the submitted sequences are validated against.
	Alphabet sequence.Alphabet

	SequenceColumn string
	// Aggregates adds number_of_positives and product_of_probability columns.
	Aggregates bool

	// Methods lists the accepted methods in display order. When empty any
	// method matching MethodPattern is accepted and runs on DefaultFamily.
	Methods       []string
	MethodPattern *regexp.Regexp
	DefaultFamily string
	families      map[string]string

	// SummaryMethod runs alongside the requested methods and fills the score
	// table instead of a per method column.
	SummaryMethod string

	PreStep string
}

var methodNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var ampepFamilies = map[string]string{
	"ampep":       config.FamilyAmpep,
	"deepampep30": config.FamilyAmpep30,
	"rfampep30":   config.FamilyAmpep30,
}

var applications = map[string]*Application{
	"ampep": {
		Name:           "ampep",
		SubmissionFile: "input.fasta",
		InputFile:      "input.fasta",
		Input:          InputFasta,
		Alphabet:       sequence.AlphabetPeptide,
		SequenceColumn: "sequence",
		Aggregates:     true,
		Methods:        []string{"ampep", "deepampep30", "rfampep30"},
		families:       ampepFamilies,
	},
	"codon": {
		Name:           "codon",
		SubmissionFile: "codon.fasta",
		InputFile:      "input.fasta",
		Input:          InputFasta,
		Alphabet:       sequence.AlphabetNucleotide,
		SequenceColumn: "sequence",
		Aggregates:     true,
		Methods:        []string{"ampep", "deepampep30", "rfampep30"},
		families:       ampepFamilies,
		PreStep:        config.FamilyCodon,
	},
	"acpep": {
		Name:           "acpep",
		SubmissionFile: "input.fasta",
		InputFile:      "input.fasta",
		Input:          InputFasta,
		Alphabet:       sequence.AlphabetPeptide,
		SequenceColumn: "sequence",
		MethodPattern:  methodNamePattern,
		DefaultFamily:  config.FamilyAcpep,
		SummaryMethod:  config.FamilyAcpepClassification,
	},
	"hemopep": {
		Name:           "hemopep",
		SubmissionFile: "input.fasta",
		InputFile:      "input.fasta",
		Input:          InputFasta,
		Alphabet:       sequence.AlphabetPeptide,
		SequenceColumn: "sequence",
		Methods:        []string{"hemopep60"},
		families:       map[string]string{"hemopep60": config.FamilyHemopep60},
	},
	"bestox": {
		Name:           "bestox",
		SubmissionFile: "input.smi",
		InputFile:      "input.smi",
		Input:          InputSmiles,
		SequenceColumn: "smiles",
		Methods:        []string{"bestox"},
		families:       map[string]string{"bestox": config.FamilyBestox},
	},
	"sslgcn": {
		Name:           "sslgcn",
		SubmissionFile: "input.fasta",
		InputFile:      "input.fasta",
		Input:          InputFasta,
		SequenceColumn: "smiles",
		Methods:        microservice.SslGcnTaskTypes,
		DefaultFamily:  config.FamilySslGcn,
	},
	"ecotox": {
		Name:           "ecotox",
		SubmissionFile: "input.fasta",
		InputFile:      "input.fasta",
		Input:          InputFasta,
		SequenceColumn: "smiles",
		MethodPattern:  methodNamePattern,
		DefaultFamily:  config.FamilyEcotox,
	},
}

func LookupApplication(name string) (*Application, bool) {
	app, ok := applications[strings.ToLower(strings.TrimSpace(name))]
	return app, ok
}

func ApplicationNames() []string {
	names := make([]string, 0, len(applications))
	for name := range applications {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Family returns the prediction family that serves method.
func (a *Application) Family(method string) (string, bool) {
	if method == a.SummaryMethod && method != "" {
		return method, true
	}
	if family, ok := a.families[method]; ok {
		return family, true
	}
	if len(a.Methods) > 0 {
		if slices.Contains(a.Methods, method) {
			return a.DefaultFamily, true
		}
		return "", false
	}
	if a.MethodPattern != nil && a.MethodPattern.MatchString(method) {
		return a.DefaultFamily, true
	}
	return "", false
}

func (a *Application) ValidateMethods(methods []string) error {
	if len(methods) == 0 {
		return fmt.Errorf("at least one method must be selected")
	}

	seen := make(map[string]bool, len(methods))
	for _, method := range methods {
		if seen[method] {
			return fmt.Errorf("method '%s' is selected more than once", method)
		}
		seen[method] = true

		if method == a.SummaryMethod {
			return fmt.Errorf("method '%s' cannot be requested directly", method)
		}
		if _, ok := a.Family(method); !ok {
			return fmt.Errorf("method '%s' is not supported by application '%s'", method, a.Name)
		}
	}
	return nil
}

// ParseSubmission parses and validates the payload as submitted by the client.
func (a *Application) ParseSubmission(data []byte) ([]sequence.Record, error) {
	records, err := a.parse(data)
	if err != nil {
		return nil, err
	}
	if err := sequence.Validate(records, a.Alphabet); err != nil {
		return nil, err
	}
	return records, nil
}

// ParseInput parses the prediction input. For applications with a pre-step
// this is the derived file, which is not validated against Alphabet.
func (a *Application) ParseInput(data []byte) ([]sequence.Record, error) {
	if a.PreStep == "" {
		return a.ParseSubmission(data)
	}
	records, err := a.parse(data)
	if err != nil {
		return nil, err
	}
	if err := sequence.Validate(records, sequence.AlphabetAny); err != nil {
		return nil, err
	}
	return records, nil
}

func (a *Application) parse(data []byte) ([]sequence.Record, error) {
	if a.Input == InputSmiles {
		return sequence.ParseSmilesBytes(data)
	}
	return sequence.ParseFastaBytes(data)
}

// TaskOptions holds the application specific settings stored with a task.
type TaskOptions struct {
	CodonTable int `json:"codon_table,omitempty"`
}

func ParseTaskOptions(raw datatypes.JSON) (TaskOptions, error) {
	opts := TaskOptions{CodonTable: 1}
	if len(raw) == 0 || string(raw) == "null" {
		return opts, nil
	}
	if err := json.Unmarshal(raw, &opts); err != nil {
		return TaskOptions{}, fmt.Errorf("invalid task options: %w", err)
	}
	if opts.CodonTable == 0 {
		opts.CodonTable = 1
	}
	return opts, nil
}

type artifactSpec struct {
	name   string
	format string
}

var familyArtifacts = map[string]artifactSpec{
	config.FamilyAmpep:               {name: "ampep.out", format: FormatTriplet},
	config.FamilyAmpep30:             {name: "{method}.out", format: FormatTriplet},
	config.FamilyAcpep:               {name: "{method}.out", format: FormatAcpepTissue},
	config.FamilyAcpepClassification: {name: "xDeep-AcPEP-Classification.csv", format: FormatAcpepSummary},
	config.FamilyBestox:              {name: "result.csv", format: FormatMolecule},
	config.FamilySslGcn:              {name: "{method}.result.csv", format: FormatMolecule},
	config.FamilyHemopep60:           {name: "hemopep60_detailed.csv", format: FormatHemopep},
	config.FamilyEcotox:              {name: "{method}.result.csv", format: FormatMolecule},
}

// DefaultArtifact is the artifact a method of family produces when neither
// the run nor the script catalog names another one.
func DefaultArtifact(family, method string) (Artifact, bool) {
	spec, ok := familyArtifacts[family]
	if !ok {
		return Artifact{}, false
	}
	return Artifact{Name: strings.ReplaceAll(spec.name, "{method}", method), Format: spec.format}, true
}
