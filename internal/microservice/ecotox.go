package microservice

import (
	"context"
	"fmt"

	"axpep-backend/internal/config"
	"axpep-backend/internal/sequence"
)

// EcotoxClient predicts ecotoxicology endpoints. The method name is the
// model type. There is no local equivalent of this service.
type EcotoxClient struct {
	*Client
}

func NewEcotoxClient(opts Options) *EcotoxClient {
	return &EcotoxClient{Client: NewClient(config.FamilyEcotox, opts)}
}

func (c *EcotoxClient) Name() string {
	return config.FamilyEcotox
}

func (c *EcotoxClient) Predict(ctx context.Context, req Request) ([]Prediction, error) {
	body, err := c.PostJSON(ctx, "/api/predict", map[string]string{
		"fasta":      string(sequence.FormatFasta(req.Records)),
		"model_type": req.Method,
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

// NormalizeResponse zips the parallel fasta_ids, smiles and predictions arrays.
func (c *EcotoxClient) NormalizeResponse(raw []byte) ([]Prediction, error) {
	root, err := parseJSON(c.service, raw)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(c.service, root, true); err != nil {
		return nil, err
	}

	ids, ok := arrayOf(lookup(root, "data", "fasta_ids"))
	if !ok {
		return nil, failure(c.service, "response has no fasta_ids")
	}
	smiles, _ := arrayOf(lookup(root, "data", "smiles"))
	values, _ := arrayOf(lookup(root, "data", "predictions"))

	preds := make([]Prediction, 0, len(ids))
	for i, rawId := range ids {
		id := firstScalar(rawId)
		if id == nil {
			continue
		}
		pred := Prediction{Id: fmt.Sprint(id)}
		if i < len(smiles) {
			if s := firstScalar(smiles[i]); s != nil {
				pred.Sequence = fmt.Sprint(s)
			}
		}

		var value interface{}
		if i < len(values) {
			value = firstScalar(values[i])
		}
		switch {
		case value == nil:
			pred.Error = "no prediction"
		default:
			if v, ok := parseFloat(value); ok {
				pred.Prediction = FormatFloat(v)
				pred.Probability = floatPtr(v)
			} else {
				pred.Prediction = fmt.Sprint(value)
			}
		}
		preds = append(preds, pred)
	}

	return preds, nil
}
