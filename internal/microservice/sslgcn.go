package microservice

import (
	"context"
	"slices"

	"axpep-backend/internal/config"
	"axpep-backend/internal/sequence"
)

const sslgcnBatchSize = 50

// SslGcnTaskTypes are the Tox21 endpoints the SSL-GCN models are trained on.
var SslGcnTaskTypes = []string{
	"NR-AR", "NR-AR-LBD", "NR-AhR", "NR-Aromatase",
	"NR-ER", "NR-ER-LBD", "NR-PPAR-gamma", "SR-ARE",
	"SR-ATAD5", "SR-HSE", "SR-MMP", "SR-p53",
}

type SslGcnClient struct {
	*Client
}

func NewSslGcnClient(opts Options) *SslGcnClient {
	return &SslGcnClient{Client: NewClient(config.FamilySslGcn, opts)}
}

func (c *SslGcnClient) Name() string {
	return config.FamilySslGcn
}

type sslgcnItem struct {
	MoleculeId  string   `mapstructure:"molecule_id"`
	Smiles      string   `mapstructure:"smiles"`
	Prediction  string   `mapstructure:"prediction"`
	Probability *float64 `mapstructure:"probability"`
	Error       string   `mapstructure:"error"`
}

func (c *SslGcnClient) Predict(ctx context.Context, req Request) ([]Prediction, error) {
	if !slices.Contains(SslGcnTaskTypes, req.Method) {
		return nil, failure(c.service, "unsupported task type '%s'", req.Method)
	}

	return predictChunked(ctx, req.Records, sslgcnBatchSize, c.opts.ChunkConcurrency, func(ctx context.Context, _ int, batch []sequence.Record) ([]Prediction, error) {
		body, err := c.PostJSON(ctx, "/predict/batch", map[string]any{
			"molecules": molecules(batch),
			"task_type": req.Method,
		})
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

func (c *SslGcnClient) NormalizeResponse(raw []byte) ([]Prediction, error) {
	root, err := parseJSON(c.service, raw)
	if err != nil {
		return nil, err
	}

	items, ok := arrayOf(root)
	if !ok {
		if err := checkStatus(c.service, root, false); err != nil {
			return nil, err
		}
		items, _ = firstArray(root, []string{"predictions"}, []string{"results"}, []string{"data"})
	}

	preds := make([]Prediction, 0, len(items))
	for _, item := range decodeItems[sslgcnItem](items) {
		pred := Prediction{Id: item.MoleculeId, Sequence: item.Smiles, Probability: item.Probability}
		switch {
		case item.Error != "":
			pred.Error = item.Error
		case item.Prediction == "" && item.Probability == nil:
			pred.Error = "empty prediction"
		case item.Prediction == "":
			pred.Prediction = FormatFloat(*item.Probability)
		default:
			pred.Prediction = item.Prediction
			if v, ok := parseFloat(item.Prediction); ok {
				pred.Prediction = FormatFloat(v)
			}
		}
		preds = append(preds, pred)
	}

	return preds, nil
}
