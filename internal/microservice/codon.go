package microservice

import (
	"context"

	"axpep-backend/internal/config"
)

type ORFOptions struct {
	CodonTable             int
	MinLen                 int
	MaxLen                 int
	OnlyStandardAminoAcids bool
}

func DefaultORFOptions(codonTable int) ORFOptions {
	return ORFOptions{CodonTable: codonTable, MinLen: 5, MaxLen: 250, OnlyStandardAminoAcids: true}
}

type ORFResult struct {
	Count int
	Fasta string
}

// CodonClient translates nucleotide sequences into candidate peptides (ORFs).
type CodonClient struct {
	*Client
}

func NewCodonClient(cfg config.MicroserviceConfig) *CodonClient {
	opts := OptionsFromConfig(cfg, cfg.CodonURL)
	opts.Timeout = cfg.CodonTimeout
	return &CodonClient{Client: NewClient(config.FamilyCodon, opts)}
}

type orfResponse struct {
	Count int    `mapstructure:"count"`
	Fasta string `mapstructure:"fasta"`
}

func (c *CodonClient) ExtractORFs(ctx context.Context, fasta string, opts ORFOptions) (ORFResult, error) {
	body, err := c.PostJSON(ctx, "/predict/batch", map[string]any{
		"fasta":                     fasta,
		"codon_table":               opts.CodonTable,
		"min_len":                   opts.MinLen,
		"max_len":                   opts.MaxLen,
		"only_standard_amino_acids": opts.OnlyStandardAminoAcids,
	})
	if err != nil {
		return ORFResult{}, err
	}

	root, err := parseJSON(c.service, body)
	if err != nil {
		return ORFResult{}, err
	}
	if lookup(root, "fasta") == nil {
		return ORFResult{}, failure(c.service, "response has no fasta: %s", truncate(body))
	}

	var parsed orfResponse
	if err := decodeItem(unwrapScalars(objectOf(root)), &parsed); err != nil {
		return ORFResult{}, failure(c.service, "invalid response: %v", err)
	}

	return ORFResult{Count: parsed.Count, Fasta: parsed.Fasta}, nil
}
