package microservice

import (
	"context"
	"fmt"

	"axpep-backend/internal/config"
	"axpep-backend/internal/sequence"
)

// MICPrediction is the predicted minimum inhibitory concentration against
// E. coli and S. aureus. Values are kept as returned.
type MICPrediction struct {
	Id       string `mapstructure:"id"`
	Sequence string `mapstructure:"sequence"`
	EcMIC    string `mapstructure:"ec_predicted_MIC_μM"`
	SaMIC    string `mapstructure:"sa_predicted_MIC_μM"`
}

type micSequence struct {
	Id       string `json:"id"`
	Sequence string `json:"sequence"`
}

type AmpRegressionClient struct {
	*Client
}

func NewAmpRegressionClient(cfg config.MicroserviceConfig) *AmpRegressionClient {
	return &AmpRegressionClient{Client: NewClient(config.FamilyAmpRegression, OptionsFromConfig(cfg, cfg.AmpRegressionURL))}
}

func (c *AmpRegressionClient) PredictMIC(ctx context.Context, taskId string, records []sequence.Record) ([]MICPrediction, error) {
	sequences := make([]micSequence, len(records))
	for i, r := range records {
		sequences[i] = micSequence{Id: r.Id, Sequence: r.Sequence}
	}

	body, err := c.PostJSON(ctx, "/predict/sequences", map[string]any{
		"task_id":   taskId,
		"sequences": sequences,
	})
	if err != nil {
		return nil, err
	}
	return c.normalizeMIC(body)
}

func (c *AmpRegressionClient) normalizeMIC(body []byte) ([]MICPrediction, error) {
	root, err := parseJSON(c.service, body)
	if err != nil {
		return nil, err
	}

	if ok, _ := containerData(lookup(root, "status")).(bool); !ok {
		return nil, failure(c.service, "non-success status: %s", truncate(body))
	}

	items, ok := arrayOf(lookup(root, "predictions"))
	if !ok {
		return nil, failure(c.service, "response has no predictions")
	}

	preds := decodeItems[MICPrediction](items)
	for i := range preds {
		preds[i].Id = sequenceIdOrIndex(preds[i].Id, i)
	}
	return preds, nil
}

func sequenceIdOrIndex(id string, i int) string {
	if id == "" {
		return fmt.Sprintf("sequence_%d", i+1)
	}
	return id
}
