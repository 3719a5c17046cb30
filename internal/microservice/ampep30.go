package microservice

import (
	"context"
	"strings"

	"axpep-backend/internal/config"
	"axpep-backend/internal/sequence"
)

const (
	ampep30BatchSize = 100
	ampep30Precision = "3"
)

// Ampep30Client serves both Deep-AmPEP30 (cnn) and RF-AmPEP30 (rf).
type Ampep30Client struct {
	*Client
}

func NewAmpep30Client(opts Options) *Ampep30Client {
	return &Ampep30Client{Client: NewClient(config.FamilyAmpep30, opts)}
}

func (c *Ampep30Client) Name() string {
	return config.FamilyAmpep30
}

func ampep30Model(method string) (string, bool) {
	switch strings.ToLower(method) {
	case "deepampep30", "cnn":
		return "cnn", true
	case "rfampep30", "rf":
		return "rf", true
	default:
		return "", false
	}
}

type ampep30Item struct {
	SequenceName   string   `mapstructure:"sequence_name"`
	Name           string   `mapstructure:"name"`
	Prediction     string   `mapstructure:"prediction"`
	AmpProbability *float64 `mapstructure:"amp_probability"`
	Probability    *float64 `mapstructure:"probability"`
	Error          string   `mapstructure:"error"`
}

func (c *Ampep30Client) Predict(ctx context.Context, req Request) ([]Prediction, error) {
	model, ok := ampep30Model(req.Method)
	if !ok {
		return nil, failure(c.service, "unsupported method '%s'", req.Method)
	}

	return predictChunked(ctx, req.Records, ampep30BatchSize, c.opts.ChunkConcurrency, func(ctx context.Context, _ int, batch []sequence.Record) ([]Prediction, error) {
		body, err := c.PostForm(ctx, "/predict/fasta", map[string]string{
			"fasta_content": string(sequence.FormatFasta(batch)),
			"method":        model,
			"precision":     ampep30Precision,
		})
		if err != nil {
			return nil, err
		}

		preds, err := c.NormalizeResponse(body)
		if err != nil {
			return nil, err
		}
		if len(preds) == 0 {
			return nil, failure(c.service, "no results after normalization")
		}
		return preds, nil
	})
}

func (c *Ampep30Client) NormalizeResponse(raw []byte) ([]Prediction, error) {
	root, err := parseJSON(c.service, raw)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(c.service, root, false); err != nil {
		return nil, err
	}

	items, ok := firstArray(root, []string{"results"}, []string{"data"})
	if !ok {
		if arr, isArray := arrayOf(root); isArray {
			items = arr
		} else if lookup(root, "prediction") != nil {
			items = []interface{}{root.Data()}
		}
	}

	preds := make([]Prediction, 0, len(items))
	for _, item := range decodeItems[ampep30Item](items) {
		name := item.SequenceName
		if name == "" {
			name = item.Name
		}

		if strings.EqualFold(item.Prediction, "error") {
			msg := item.Error
			if msg == "" {
				msg = "unknown error"
			}
			preds = append(preds, Prediction{Id: name, Error: msg})
			continue
		}

		probability := item.AmpProbability
		if probability == nil {
			probability = item.Probability
		}
		if item.Prediction == "" || probability == nil {
			continue
		}

		preds = append(preds, Prediction{
			Id:          name,
			Prediction:  normalizeLabel(item.Prediction),
			Probability: probability,
		})
	}

	return preds, nil
}
