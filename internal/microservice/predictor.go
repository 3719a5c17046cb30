package microservice

import (
	"context"

	"axpep-backend/internal/config"
	"axpep-backend/internal/sequence"

	"golang.org/x/sync/errgroup"
)

type Request struct {
	TaskId  string
	Method  string
	Records []sequence.Record
}

// Predictor is implemented by every prediction family.
type Predictor interface {
	Name() string

	Predict(ctx context.Context, req Request) ([]Prediction, error)

	NormalizeResponse(raw []byte) ([]Prediction, error)

	Health(ctx context.Context) HealthStatus
}

// NewPredictors builds one adapter per family, keyed by family name.
func NewPredictors(cfg config.MicroserviceConfig) map[string]Predictor {
	return map[string]Predictor{
		config.FamilyAmpep:               NewAmpepClient(OptionsFromConfig(cfg, cfg.AmpepURL)),
		config.FamilyAmpep30:             NewAmpep30Client(OptionsFromConfig(cfg, cfg.Ampep30URL)),
		config.FamilyAcpep:               NewAcpepClient(OptionsFromConfig(cfg, cfg.AcpepURL)),
		config.FamilyAcpepClassification: NewAcpepClassificationClient(OptionsFromConfig(cfg, cfg.AcpepClassificationURL)),
		config.FamilyBestox:              NewBestoxClient(OptionsFromConfig(cfg, cfg.BestoxURL)),
		config.FamilySslGcn:              NewSslGcnClient(OptionsFromConfig(cfg, cfg.SslGcnURL)),
		config.FamilyHemopep60:           NewHemopep60Client(OptionsFromConfig(cfg, cfg.Hemopep60URL)),
		config.FamilyEcotox:              NewEcotoxClient(OptionsFromConfig(cfg, cfg.EcotoxURL)),
	}
}

// alignByIndex gives predictions that came back without an id the id of the
// record at the same position in the submitted batch.
func alignByIndex(preds []Prediction, records []sequence.Record) {
	for i := range preds {
		if preds[i].Id == "" && i < len(records) {
			preds[i].Id = records[i].Id
		}
		preds[i].Id = sequence.NormalizeId(preds[i].Id)
	}
}

func normalizeIds(preds []Prediction) {
	for i := range preds {
		preds[i].Id = sequence.NormalizeId(preds[i].Id)
	}
}

func chunkRecords(records []sequence.Record, size int) [][]sequence.Record {
	if size <= 0 || len(records) <= size {
		return [][]sequence.Record{records}
	}

	chunks := make([][]sequence.Record, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		chunks = append(chunks, records[start:end])
	}
	return chunks
}

// predictChunked splits records into batches of at most batchSize, submits
// them with bounded concurrency and concatenates the results in batch order.
// The first failing batch fails the whole call.
func predictChunked(
	ctx context.Context,
	records []sequence.Record,
	batchSize int,
	concurrency int,
	predict func(ctx context.Context, index int, batch []sequence.Record) ([]Prediction, error),
) ([]Prediction, error) {
	chunks := chunkRecords(records, batchSize)
	results := make([][]Prediction, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))

	for i, chunk := range chunks {
		g.Go(func() error {
			preds, err := predict(gctx, i, chunk)
			if err != nil {
				return err
			}
			alignByIndex(preds, chunk)
			results[i] = preds
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	for _, r := range results {
		total += len(r)
	}
	out := make([]Prediction, 0, total)
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}
