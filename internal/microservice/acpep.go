package microservice

import (
	"context"

	"axpep-backend/internal/config"
	"axpep-backend/internal/sequence"
)

const acpepBatchSize = 100

// AcpepClient predicts a continuous anticancer activity per tissue. The
// method name is the tissue.
type AcpepClient struct {
	*Client
}

func NewAcpepClient(opts Options) *AcpepClient {
	return &AcpepClient{Client: NewClient(config.FamilyAcpep, opts)}
}

func (c *AcpepClient) Name() string {
	return config.FamilyAcpep
}

type acpepItem struct {
	Name       string `mapstructure:"name"`
	Prediction string `mapstructure:"prediction"`
	OutOfAD    bool   `mapstructure:"out_of_ad"`
}

type acpepBatchItem struct {
	Name     string `json:"name"`
	Sequence string `json:"sequence"`
}

func (c *AcpepClient) Predict(ctx context.Context, req Request) ([]Prediction, error) {
	return predictChunked(ctx, req.Records, acpepBatchSize, c.opts.ChunkConcurrency, func(ctx context.Context, _ int, batch []sequence.Record) ([]Prediction, error) {
		items := make([]acpepBatchItem, len(batch))
		for i, r := range batch {
			items[i] = acpepBatchItem{Name: r.Id, Sequence: r.Sequence}
		}

		body, err := c.PostJSON(ctx, "/predict/batch", map[string]any{
			"tissue": req.Method,
			"items":  items,
		})
		if err != nil {
			return nil, err
		}
		return c.NormalizeResponse(body)
	})
}

func (c *AcpepClient) NormalizeResponse(raw []byte) ([]Prediction, error) {
	root, err := parseJSON(c.service, raw)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(c.service, root, false); err != nil {
		return nil, err
	}

	items, _ := firstArray(root, []string{"results"}, []string{"data", "results"}, []string{"data"})

	preds := make([]Prediction, 0, len(items))
	for _, item := range decodeItems[acpepItem](items) {
		if item.Name == "" || item.Prediction == "" {
			continue
		}

		pred := Prediction{Id: item.Name, Prediction: item.Prediction, OutOfAD: item.OutOfAD}
		if v, ok := parseFloat(item.Prediction); ok {
			pred.Prediction = FormatFloat(v)
			pred.Probability = floatPtr(v)
		}
		preds = append(preds, pred)
	}

	return preds, nil
}

// AcpepClassificationClient produces the per sequence anticancer summary used
// for the AcPEP score table.
type AcpepClassificationClient struct {
	*Client
}

func NewAcpepClassificationClient(opts Options) *AcpepClassificationClient {
	return &AcpepClassificationClient{Client: NewClient(config.FamilyAcpepClassification, opts)}
}

func (c *AcpepClassificationClient) Name() string {
	return config.FamilyAcpepClassification
}

type acpepClassificationItem struct {
	Name         string   `mapstructure:"name"`
	SequenceName string   `mapstructure:"sequence_name"`
	Prediction   string   `mapstructure:"prediction"`
	Probability  *float64 `mapstructure:"probability"`
	Confidence   *float64 `mapstructure:"confidence"`
}

func (c *AcpepClassificationClient) Predict(ctx context.Context, req Request) ([]Prediction, error) {
	body, err := c.PostJSON(ctx, "/predict/batch", map[string]string{
		"fasta": string(sequence.FormatFasta(req.Records)),
	})
	if err != nil {
		return nil, err
	}

	preds, err := c.NormalizeResponse(body)
	if err != nil {
		return nil, err
	}
	normalizeIds(preds)
	return preds, nil
}

func (c *AcpepClassificationClient) NormalizeResponse(raw []byte) ([]Prediction, error) {
	root, err := parseJSON(c.service, raw)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(c.service, root, false); err != nil {
		return nil, err
	}

	items, _ := firstArray(root, []string{"data", "predictions"}, []string{"data"}, []string{"results"})

	preds := make([]Prediction, 0, len(items))
	for _, item := range decodeItems[acpepClassificationItem](items) {
		name := item.Name
		if name == "" {
			name = item.SequenceName
		}
		probability := item.Probability
		if probability == nil {
			probability = item.Confidence
		}
		if name == "" || item.Prediction == "" || probability == nil {
			continue
		}

		label := item.Prediction
		if v, ok := parseFloat(label); ok {
			label = FormatFloat(float64(int64(v)))
		}
		preds = append(preds, Prediction{Id: name, Prediction: label, Probability: probability})
	}

	return preds, nil
}
