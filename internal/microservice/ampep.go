package microservice

import (
	"context"
	"fmt"

	"axpep-backend/internal/config"
	"axpep-backend/internal/sequence"
)

// AmpepClient talks to the AmPEP service. Its results are aligned with the
// submitted FASTA by position.
type AmpepClient struct {
	*Client
}

func NewAmpepClient(opts Options) *AmpepClient {
	return &AmpepClient{Client: NewClient(config.FamilyAmpep, opts)}
}

func (c *AmpepClient) Name() string {
	return config.FamilyAmpep
}

type ampepItem struct {
	Name        string   `mapstructure:"name"`
	Prediction  string   `mapstructure:"prediction"`
	Probability *float64 `mapstructure:"probability"`
}

func (c *AmpepClient) Predict(ctx context.Context, req Request) ([]Prediction, error) {
	body, err := c.PostJSON(ctx, "/api/predict", map[string]string{
		"fasta": string(sequence.FormatFasta(req.Records)),
	})
	if err != nil {
		return nil, err
	}

	preds, err := c.NormalizeResponse(body)
	if err != nil {
		return nil, err
	}

	// Names returned by the service are not trusted, the input order is.
	for i := range preds {
		preds[i].Id = ""
	}
	alignByIndex(preds, req.Records)

	return preds, nil
}

func (c *AmpepClient) NormalizeResponse(raw []byte) ([]Prediction, error) {
	root, err := parseJSON(c.service, raw)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(c.service, root, true); err != nil {
		return nil, err
	}

	items, ok := firstArray(root, []string{"data"}, []string{"data", "predictions"})
	if !ok {
		return nil, failure(c.service, "response has no data array")
	}

	preds := make([]Prediction, 0, len(items))
	for i, item := range decodeIndexed[ampepItem](items) {
		if item == nil || item.Probability == nil || item.Prediction == "" {
			// Keep the slot so later items stay aligned with the input.
			preds = append(preds, Prediction{Error: fmt.Sprintf("invalid prediction at index %d", i)})
			continue
		}
		preds = append(preds, Prediction{
			Id:          item.Name,
			Prediction:  normalizeLabel(item.Prediction),
			Probability: item.Probability,
		})
	}

	return preds, nil
}
