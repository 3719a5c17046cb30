package microservice

import (
	"context"

	"axpep-backend/internal/config"
	"axpep-backend/internal/sequence"
)

const hemopep60Model = "BERT-HemoPep60"

// Hemopep60Client predicts hemolytic concentrations. There is no local
// equivalent of this service.
type Hemopep60Client struct {
	*Client
}

func NewHemopep60Client(opts Options) *Hemopep60Client {
	return &Hemopep60Client{Client: NewClient(config.FamilyHemopep60, opts)}
}

func (c *Hemopep60Client) Name() string {
	return config.FamilyHemopep60
}

type hemopepItem struct {
	SequenceId string   `mapstructure:"sequence_id"`
	Sequence   string   `mapstructure:"sequence"`
	HC5        *float64 `mapstructure:"HC5"`
	HC10       *float64 `mapstructure:"HC10"`
	HC50       *float64 `mapstructure:"HC50"`
}

func (c *Hemopep60Client) Predict(ctx context.Context, req Request) ([]Prediction, error) {
	body, err := c.PostJSON(ctx, "/api/predict", map[string]string{
		"fasta":      string(sequence.FormatFasta(req.Records)),
		"model_type": hemopep60Model,
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

func (c *Hemopep60Client) NormalizeResponse(raw []byte) ([]Prediction, error) {
	root, err := parseJSON(c.service, raw)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(c.service, root, true); err != nil {
		return nil, err
	}

	items, ok := firstArray(root, []string{"data", "detailed_predictions"})
	if !ok {
		return nil, failure(c.service, "response has no detailed predictions")
	}

	preds := make([]Prediction, 0, len(items))
	for _, item := range decodeItems[hemopepItem](items) {
		pred := Prediction{Id: item.SequenceId, Sequence: item.Sequence, Extra: map[string]float64{}}
		for name, v := range map[string]*float64{"HC5": item.HC5, "HC10": item.HC10, "HC50": item.HC50} {
			if v != nil {
				pred.Extra[name] = *v
			}
		}

		if item.HC50 == nil {
			pred.Error = "no HC50 in prediction"
		} else {
			pred.Prediction = FormatFloat(*item.HC50)
			pred.Probability = item.HC50
		}
		preds = append(preds, pred)
	}

	return preds, nil
}
