package microservice

import (
	"context"
	"fmt"

	"axpep-backend/internal/config"
	"axpep-backend/internal/sequence"
)

const bestoxBatchSize = 100

// BestoxClient predicts acute oral toxicity (LD50) for SMILES molecules.
type BestoxClient struct {
	*Client
}

func NewBestoxClient(opts Options) *BestoxClient {
	return &BestoxClient{Client: NewClient(config.FamilyBestox, opts)}
}

func (c *BestoxClient) Name() string {
	return config.FamilyBestox
}

type molecule struct {
	MoleculeId string `json:"molecule_id"`
	Smiles     string `json:"smiles"`
}

func molecules(records []sequence.Record) []molecule {
	out := make([]molecule, len(records))
	for i, r := range records {
		out[i] = molecule{MoleculeId: r.Id, Smiles: r.Sequence}
	}
	return out
}

type bestoxItem struct {
	MoleculeId           string   `mapstructure:"molecule_id"`
	Smiles               string   `mapstructure:"smiles"`
	Ld50                 *float64 `mapstructure:"ld50"`
	Log10Ld50            *float64 `mapstructure:"log10_ld50"`
	PredictionConfidence *float64 `mapstructure:"prediction_confidence"`
	Status               string   `mapstructure:"status"`
	Error                string   `mapstructure:"error"`
}

func (c *BestoxClient) Predict(ctx context.Context, req Request) ([]Prediction, error) {
	return predictChunked(ctx, req.Records, bestoxBatchSize, c.opts.ChunkConcurrency, func(ctx context.Context, index int, batch []sequence.Record) ([]Prediction, error) {
		payload := map[string]any{"molecules": molecules(batch)}
		if req.TaskId != "" {
			payload["batch_id"] = fmt.Sprintf("%s-%d", req.TaskId, index+1)
		}

		body, err := c.PostJSON(ctx, "/predict/batch", payload)
		if err != nil {
			return nil, err
		}

		preds, err := c.NormalizeResponse(body)
		if err != nil {
			return nil, err
		}
		return matchBySmiles(preds, batch), nil
	})
}

func (c *BestoxClient) NormalizeResponse(raw []byte) ([]Prediction, error) {
	root, err := parseJSON(c.service, raw)
	if err != nil {
		return nil, err
	}

	if ok, _ := firstScalar(containerData(lookup(root, "success"))).(bool); !ok {
		msg := "unknown error"
		if m := lookup(root, "error_message"); m != nil {
			msg = fmt.Sprint(m.Data())
		}
		return nil, failure(c.service, "%s", msg)
	}

	items, _ := firstArray(root, []string{"predictions"})
	preds := make([]Prediction, 0, len(items))
	for _, item := range decodeItems[bestoxItem](items) {
		pred := Prediction{Id: item.MoleculeId, Sequence: item.Smiles, Extra: map[string]float64{}}

		switch {
		case item.Status != "" && item.Status != "success":
			pred.Error = item.Error
			if pred.Error == "" {
				pred.Error = "prediction failed"
			}
		case item.Ld50 == nil:
			pred.Error = "no ld50 in prediction"
		default:
			pred.Prediction = FormatFloat(*item.Ld50)
			pred.Probability = item.Ld50
			pred.Extra["ld50"] = *item.Ld50
		}

		if item.Log10Ld50 != nil {
			pred.Extra["log10_ld50"] = *item.Log10Ld50
		}
		if item.PredictionConfidence != nil {
			pred.Extra["prediction_confidence"] = *item.PredictionConfidence
		}
		preds = append(preds, pred)
	}

	failed, _ := firstArray(root, []string{"failed_molecules"})
	for _, smiles := range failed {
		s, ok := smiles.(string)
		if !ok {
			continue
		}
		preds = append(preds, Prediction{Sequence: s, Error: "prediction failed"})
	}

	return preds, nil
}

// matchBySmiles names predictions that only carry their SMILES string. Failed
// molecules that match no record are dropped so they are never aligned by index.
func matchBySmiles(preds []Prediction, batch []sequence.Record) []Prediction {
	bySmiles := make(map[string]string, len(batch))
	for _, r := range batch {
		if _, ok := bySmiles[r.Sequence]; !ok {
			bySmiles[r.Sequence] = r.Id
		}
	}
	matched := preds[:0]
	for _, p := range preds {
		if p.Id == "" || p.Id == "unknown" {
			p.Id = bySmiles[p.Sequence]
		}
		if p.Id == "" && p.Failed() {
			continue
		}
		matched = append(matched, p)
	}
	return matched
}
