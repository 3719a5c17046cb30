package core_test

import (
	"context"
	"testing"

	"axpep-backend/internal/core"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ampepApp(t *testing.T) *core.Application {
	app, ok := core.LookupApplication("ampep")
	require.True(t, ok)
	return app
}

func TestReconcilePartialResults(t *testing.T) {
	store := createStore(t)
	taskId := uuid.New()
	writeInput(t, store, taskId, "input.fasta", twoPeptides)

	require.NoError(t, store.Write(taskId, "A.out", []byte("seq1 1 0.9\nseq2 0 0.1\n")))
	require.NoError(t, store.Write(taskId, "B.csv", []byte("seq2,1,0.8\n")))

	reconciler := core.NewReconciler(store, 0)
	tables, err := reconciler.Reconcile(context.Background(), taskId, ampepApp(t), []core.MethodArtifact{
		{Method: "A", Name: "A.out", Format: core.FormatTriplet},
		{Method: "B", Name: "B.csv", Format: core.FormatAcpepSummary},
	})
	require.NoError(t, err)

	assert.Equal(t,
		"id,A,B,number_of_positives,sequence\n"+
			"seq1,1,-1,1,ACDE\n"+
			"seq2,0,1,1,KLMN\n",
		readFile(t, store, taskId, core.ClassificationTable))
	assert.Equal(t,
		"id,A,B,product_of_probability,sequence\n"+
			"seq1,0.9,-1,0.9,ACDE\n"+
			"seq2,0.1,0.8,0.08,KLMN\n",
		readFile(t, store, taskId, core.ScoreTable))

	require.Contains(t, tables.Summaries, "A")
	assert.Equal(t, 1, tables.Summaries["A"].Positives)
	assert.True(t, tables.Summaries["A"].HasPositives)
	assert.InDelta(t, 0.5, tables.Summaries["A"].MeanScore, 1e-9)
	assert.Equal(t, 1, tables.Summaries["B"].Positives)
}

func TestReconcileIsIdempotent(t *testing.T) {
	store := createStore(t)
	taskId := uuid.New()
	writeInput(t, store, taskId, "input.fasta", twoPeptides)
	require.NoError(t, store.Write(taskId, "ampep.out", []byte("seq2 1 0.7\nseq1 0 0.3\n")))

	reconciler := core.NewReconciler(store, 0)
	artifacts := []core.MethodArtifact{{Method: "ampep"}, {Method: "deepampep30"}}

	_, err := reconciler.Reconcile(context.Background(), taskId, ampepApp(t), artifacts)
	require.NoError(t, err)
	first := readFile(t, store, taskId, core.ClassificationTable)
	firstScore := readFile(t, store, taskId, core.ScoreTable)

	_, err = reconciler.Reconcile(context.Background(), taskId, ampepApp(t), artifacts)
	require.NoError(t, err)

	assert.Equal(t, first, readFile(t, store, taskId, core.ClassificationTable))
	assert.Equal(t, firstScore, readFile(t, store, taskId, core.ScoreTable))
	// Rows follow the input, not the artifact.
	assert.Equal(t, "id,ampep,deepampep30,number_of_positives,sequence\nseq1,0,-1,0,ACDE\nseq2,1,-1,1,KLMN\n", first)
}

func TestReconcileNormalizesIds(t *testing.T) {
	store := createStore(t)
	taskId := uuid.New()
	writeInput(t, store, taskId, "input.fasta", ">pep one\nACDE\n>pep two\nKLMN\n")
	require.NoError(t, store.Write(taskId, "ampep.out", []byte("pep   two 1 0.6\n")))

	_, err := core.NewReconciler(store, 0).Reconcile(context.Background(), taskId, ampepApp(t), []core.MethodArtifact{{Method: "ampep"}})
	require.NoError(t, err)

	assert.Equal(t, "id,ampep,product_of_probability,sequence\npep one,-1,,ACDE\npep two,0.6,0.6,KLMN\n", readFile(t, store, taskId, core.ScoreTable))
}

func TestReconcileWithoutArtifactsFails(t *testing.T) {
	store := createStore(t)
	taskId := uuid.New()
	writeInput(t, store, taskId, "input.fasta", twoPeptides)

	_, err := core.NewReconciler(store, 0).Reconcile(context.Background(), taskId, ampepApp(t), []core.MethodArtifact{{Method: "ampep"}})
	assert.ErrorIs(t, err, core.ErrReconciliation)
	assert.False(t, store.Exists(taskId, core.ClassificationTable))

	_, err = core.NewReconciler(store, 0).Reconcile(context.Background(), uuid.New(), ampepApp(t), []core.MethodArtifact{{Method: "ampep"}})
	assert.ErrorIs(t, err, core.ErrReconciliation)
}

func TestReconcileAcpep(t *testing.T) {
	store := createStore(t)
	taskId := uuid.New()
	writeInput(t, store, taskId, "input.fasta", twoPeptides)

	require.NoError(t, store.Write(taskId, "breast.out", []byte("id,classification,score,out_of_ad\nseq1,1,0.45,false\nseq2,1,2.1,true\n")))
	require.NoError(t, store.Write(taskId, "xDeep-AcPEP-Classification.csv", []byte("seq2,1,0.93\n")))

	app, ok := core.LookupApplication("acpep")
	require.True(t, ok)

	tables, err := core.NewReconciler(store, 0).Reconcile(context.Background(), taskId, app, []core.MethodArtifact{{Method: "breast"}, {Method: "colon"}})
	require.NoError(t, err)

	assert.Equal(t, "id,breast,colon,sequence\nseq1,0.45,-1,ACDE\nseq2,OUT OF AD,-1,KLMN\n", readFile(t, store, taskId, core.ClassificationTable))
	assert.Equal(t, "id,classification,score,sequence\nseq1,-1,-1,ACDE\nseq2,1,0.93,KLMN\n", readFile(t, store, taskId, core.ScoreTable))

	assert.Equal(t, 1, tables.Summaries["breast"].Positives)
	assert.InDelta(t, 0.45, tables.Summaries["breast"].MeanScore, 1e-9)
	assert.NotContains(t, tables.Summaries, "colon")
}

func TestReconcileMolecules(t *testing.T) {
	store := createStore(t)
	taskId := uuid.New()
	writeInput(t, store, taskId, "input.smi", "CCO ethanol\nCCN\n")
	require.NoError(t, store.Write(taskId, "result.csv", []byte("id,smiles,pre\nmol_2,CCN,1.25\nethanol,CCO,3.5\n")))

	app, ok := core.LookupApplication("bestox")
	require.True(t, ok)

	tables, err := core.NewReconciler(store, 0).Reconcile(context.Background(), taskId, app, []core.MethodArtifact{{Method: "bestox"}})
	require.NoError(t, err)

	assert.Equal(t, "id,bestox,smiles\nethanol,3.5,CCO\nmol_2,1.25,CCN\n", readFile(t, store, taskId, core.ClassificationTable))
	assert.False(t, tables.Summaries["bestox"].HasPositives)
	assert.InDelta(t, 2.375, tables.Summaries["bestox"].MeanScore, 1e-9)
}

func TestSeed(t *testing.T) {
	store := createStore(t)
	taskId := uuid.New()
	writeInput(t, store, taskId, "input.fasta", twoPeptides)

	require.NoError(t, core.NewReconciler(store, 0).Seed(context.Background(), taskId, ampepApp(t), []string{"ampep", "rfampep30"}))
	assert.Equal(t, "id,ampep,rfampep30,number_of_positives,sequence\nseq1,,,,ACDE\nseq2,,,,KLMN\n", readFile(t, store, taskId, core.ClassificationTable))

	codon, ok := core.LookupApplication("codon")
	require.True(t, ok)
	other := uuid.New()
	require.NoError(t, core.NewReconciler(store, 0).Seed(context.Background(), other, codon, []string{"ampep"}))
	assert.Equal(t, "id,ampep,product_of_probability,sequence\n", readFile(t, store, other, core.ScoreTable))
}
