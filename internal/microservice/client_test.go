package microservice_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"axpep-backend/internal/microservice"
	"axpep-backend/internal/sequence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions(url string) microservice.Options {
	return microservice.Options{
		BaseURL:          url,
		Timeout:          5 * time.Second,
		MaxAttempts:      3,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       5 * time.Millisecond,
		ChunkConcurrency: 2,
	}
}

func peptides(n int) []sequence.Record {
	records := make([]sequence.Record, n)
	for i := range records {
		records[i] = sequence.Record{Id: fmt.Sprintf("seq%d", i+1), Sequence: "GLFDIVKKIAGHIAG"}
	}
	return records
}

func TestConnectionFailureIsRetried(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := microservice.NewAmpepClient(testOptions(url))
	_, err := client.Predict(context.Background(), microservice.Request{Method: "ampep", Records: peptides(2)})
	require.Error(t, err)

	var connErr *microservice.ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, 3, connErr.Attempts)
	assert.Equal(t, "ampep", connErr.Service)
}

func TestTransientFailureRecovers(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			conn, _, err := w.(http.Hijacker).Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","data":[{"prediction":1,"probability":0.9}]}`))
	}))
	defer server.Close()

	client := microservice.NewAmpepClient(testOptions(server.URL))
	preds, err := client.Predict(context.Background(), microservice.Request{Method: "ampep", Records: peptides(1)})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, preds, 1)
	assert.Equal(t, "seq1", preds[0].Id)
	assert.Equal(t, "1", preds[0].Prediction)
}

func TestErrorResponsesAreNotRetried(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"ServerError", http.StatusInternalServerError, `{"detail":"model crashed"}`},
		{"NotJSON", http.StatusOK, `<html>bad gateway</html>`},
		{"NonSuccessStatus", http.StatusOK, `{"status":"error","error":"model not loaded"}`},
		{"MissingStatus", http.StatusOK, `{"data":[]}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			client := microservice.NewAmpepClient(testOptions(server.URL))
			_, err := client.Predict(context.Background(), microservice.Request{Method: "ampep", Records: peptides(1)})
			require.Error(t, err)

			var failure *microservice.PredictionFailure
			assert.True(t, errors.As(err, &failure))
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestChunkingPreservesOrder(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		var req struct {
			Molecules []struct {
				MoleculeId string `json:"molecule_id"`
				Smiles     string `json:"smiles"`
			} `json:"molecules"`
			TaskType string `json:"task_type"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.LessOrEqual(t, len(req.Molecules), 50)
		assert.Equal(t, "SR-MMP", req.TaskType)

		// Answer in reverse order to make sure the client does not rely on it.
		out := make([]map[string]any, 0, len(req.Molecules))
		for i := len(req.Molecules) - 1; i >= 0; i-- {
			m := req.Molecules[i]
			out = append(out, map[string]any{"molecule_id": m.MoleculeId, "smiles": m.Smiles, "prediction": 1, "probability": 0.75})
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(out))
	}))
	defer server.Close()

	records := make([]sequence.Record, 120)
	for i := range records {
		records[i] = sequence.Record{Id: fmt.Sprintf("mol%d", i), Sequence: "CCO"}
	}

	client := microservice.NewSslGcnClient(testOptions(server.URL))
	preds, err := client.Predict(context.Background(), microservice.Request{Method: "SR-MMP", Records: records})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, preds, 120)

	// Chunks are concatenated in submission order.
	assert.Equal(t, "mol49", preds[0].Id)
	assert.Equal(t, "mol99", preds[50].Id)
	assert.Equal(t, "mol119", preds[100].Id)
	assert.Equal(t, "1", preds[0].Prediction)
}

func TestBestoxUnmatchedFailedMolecules(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,
			"predictions":[{"molecule_id":"m2","smiles":"CCN","ld50":2.5,"status":"success"}],
			"failed_molecules":["C((","CCO"]}`))
	}))
	defer server.Close()

	records := []sequence.Record{
		{Id: "m1", Sequence: "CCO"},
		{Id: "m2", Sequence: "CCN"},
		{Id: "m3", Sequence: "CCC"},
	}

	client := microservice.NewBestoxClient(testOptions(server.URL))
	preds, err := client.Predict(context.Background(), microservice.Request{Method: "bestox", Records: records})
	require.NoError(t, err)

	// "C((" matches no record and must not borrow the id at its index.
	require.Len(t, preds, 2)
	assert.Equal(t, "m2", preds[0].Id)
	assert.False(t, preds[0].Failed())
	assert.Equal(t, "m1", preds[1].Id)
	assert.True(t, preds[1].Failed())
}

func TestSslGcnRejectsUnknownTaskType(t *testing.T) {
	client := microservice.NewSslGcnClient(testOptions("http://127.0.0.1:1"))
	_, err := client.Predict(context.Background(), microservice.Request{Method: "NR-XYZ", Records: peptides(1)})

	var failure *microservice.PredictionFailure
	assert.True(t, errors.As(err, &failure))
}

func TestAmpep30SendsForm(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/predict/fasta", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "cnn", r.PostForm.Get("method"))
		assert.Equal(t, "3", r.PostForm.Get("precision"))
		assert.Contains(t, r.PostForm.Get("fasta_content"), ">seq2\n")

		_, _ = w.Write([]byte(`{"results":[
			{"sequence_name":"seq2","prediction":"non-AMP","amp_probability":0.2},
			{"sequence_name":"seq1","prediction":"AMP","amp_probability":0.8}
		]}`))
	}))
	defer server.Close()

	client := microservice.NewAmpep30Client(testOptions(server.URL))
	preds, err := client.Predict(context.Background(), microservice.Request{Method: "deepampep30", Records: peptides(2)})
	require.NoError(t, err)
	require.Len(t, preds, 2)
	assert.Equal(t, "seq2", preds[0].Id)
	assert.Equal(t, "0", preds[0].Prediction)
	assert.Equal(t, "seq1", preds[1].Id)
	assert.InDelta(t, 0.8, *preds[1].Probability, 1e-9)
}

func TestHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"healthy","version":"1.2.0","model_loaded":true}`))
	}))
	defer server.Close()

	status := microservice.NewBestoxClient(testOptions(server.URL)).Health(context.Background())
	assert.True(t, status.Healthy)
	assert.Equal(t, "1.2.0", status.Version)
	assert.True(t, status.ModelLoaded)
	assert.Equal(t, "bestox", status.Service)

	down := microservice.NewBestoxClient(testOptions("http://127.0.0.1:1")).Health(context.Background())
	assert.False(t, down.Healthy)
	assert.Equal(t, "unreachable", down.Status)
	assert.NotEmpty(t, down.Error)
}

func TestCodonExtractORFs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, float64(11), req["codon_table"])
		assert.Equal(t, float64(5), req["min_len"])
		assert.Equal(t, true, req["only_standard_amino_acids"])
		_, _ = w.Write([]byte(`{"count":2,"fasta":">orf1\nMKV\n>orf2\nMAL\n"}`))
	}))
	defer server.Close()

	client := microservice.NewCodonClient(configWithURL(server.URL))
	res, err := client.ExtractORFs(context.Background(), ">n1\nATGAAAGTT\n", microservice.DefaultORFOptions(11))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, ">orf1\nMKV\n>orf2\nMAL\n", res.Fasta)
}

func TestAmpRegressionPredictMIC(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/predict/sequences", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":true,"predictions":[{"id":"seq1","sequence":"GLF","ec_predicted_MIC_μM":12.5,"sa_predicted_MIC_μM":"30.1"}]}`))
	}))
	defer server.Close()

	client := microservice.NewAmpRegressionClient(configWithURL(server.URL))
	preds, err := client.PredictMIC(context.Background(), "task-1", peptides(1))
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.Equal(t, "seq1", preds[0].Id)
	assert.Equal(t, "12.5", preds[0].EcMIC)
	assert.Equal(t, "30.1", preds[0].SaMIC)
}
