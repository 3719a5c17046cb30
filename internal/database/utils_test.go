package database_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"axpep-backend/internal/database"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, database.GetMigrator(db).Migrate())

	return db
}

func TestCreateTaskPreservesMethodOrder(t *testing.T) {
	db := createDB(t)
	ctx := context.Background()

	task := database.Task{
		Id:          uuid.New(),
		Email:       "user@example.com",
		Action:      database.TaskReady,
		Application: "ampep",
		Methods: []database.TaskMethod{
			{Method: "rfampep30"},
			{Method: "ampep"},
			{Method: "deepampep30"},
		},
	}
	require.NoError(t, database.CreateTask(ctx, db, &task))

	methods, err := database.GetMethodsByTask(ctx, db, task.Id)
	require.NoError(t, err)
	require.Len(t, methods, 3)
	assert.Equal(t, "rfampep30", methods[0].Method)
	assert.Equal(t, "ampep", methods[1].Method)
	assert.Equal(t, "deepampep30", methods[2].Method)
	for _, m := range methods {
		assert.Equal(t, database.MethodPending, m.Status)
	}

	loaded, err := database.GetTask(ctx, db, task.Id)
	require.NoError(t, err)
	assert.Equal(t, "ampep", loaded.Methods[1].Method)
}

func TestGetTaskNotFound(t *testing.T) {
	db := createDB(t)

	_, err := database.GetTask(context.Background(), db, uuid.New())
	assert.ErrorIs(t, err, database.ErrTaskNotFound)
}

func TestUpdateTaskAction(t *testing.T) {
	db := createDB(t)
	ctx := context.Background()

	task := database.Task{Id: uuid.New(), Action: database.TaskReady, Application: "ampep"}
	require.NoError(t, database.CreateTask(ctx, db, &task))

	require.NoError(t, database.UpdateTaskAction(ctx, db, task.Id, database.TaskRunning))
	loaded, err := database.GetTask(ctx, db, task.Id)
	require.NoError(t, err)
	assert.Equal(t, database.TaskRunning, loaded.Action)
	assert.False(t, loaded.CompletionTime.Valid)
	assert.False(t, loaded.IsTerminal())

	require.NoError(t, database.UpdateTaskAction(ctx, db, task.Id, database.TaskFinished))
	loaded, err = database.GetTask(ctx, db, task.Id)
	require.NoError(t, err)
	assert.Equal(t, database.TaskFinished, loaded.Action)
	assert.True(t, loaded.CompletionTime.Valid)
	assert.True(t, loaded.IsTerminal())
}

func TestMethodOutcomeAndSummary(t *testing.T) {
	db := createDB(t)
	ctx := context.Background()

	task := database.Task{Id: uuid.New(), Action: database.TaskReady, Application: "ampep", Methods: []database.TaskMethod{{Method: "ampep"}}}
	require.NoError(t, database.CreateTask(ctx, db, &task))
	methodId := task.Methods[0].Id

	require.NoError(t, database.UpdateMethodOutcome(ctx, db, methodId, database.MethodOutcome{
		Status:         database.MethodSucceeded,
		Source:         database.SourceProcess,
		ArtifactName:   "ampep.out",
		ArtifactFormat: "triplet",
	}))
	require.NoError(t, database.UpdateMethodSummary(ctx, db, methodId, sql.NullInt64{Int64: 2, Valid: true}, sql.NullFloat64{Float64: 0.5, Valid: true}))

	methods, err := database.GetMethodsByTask(ctx, db, task.Id)
	require.NoError(t, err)
	m := methods[0]
	assert.Equal(t, database.MethodSucceeded, m.Status)
	assert.Equal(t, database.SourceProcess, m.Source.String)
	assert.Equal(t, "ampep.out", m.ArtifactName.String)
	assert.Equal(t, "triplet", m.ArtifactFormat.String)
	assert.False(t, m.Error.Valid)
	assert.Equal(t, int64(2), m.Classification.Int64)
	assert.InDelta(t, 0.5, m.PredictionScore.Float64, 1e-9)
}

func TestSaveTaskError(t *testing.T) {
	db := createDB(t)
	ctx := context.Background()

	task := database.Task{Id: uuid.New(), Action: database.TaskReady, Application: "ampep"}
	require.NoError(t, database.CreateTask(ctx, db, &task))

	database.SaveTaskError(ctx, db, task.Id, "ampep", "script exited with status 1")

	errs, err := database.GetTaskErrors(ctx, db, task.Id)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "ampep", errs[0].Method.String)
	assert.Equal(t, "script exited with status 1", errs[0].Error)
}

func TestListTasksByEmail(t *testing.T) {
	db := createDB(t)
	ctx := context.Background()

	older := database.Task{Id: uuid.New(), Email: "a@example.com", Action: database.TaskReady, Application: "ampep", CreatedAt: time.Now().Add(-time.Hour)}
	newer := database.Task{Id: uuid.New(), Email: "a@example.com", Action: database.TaskReady, Application: "acpep", CreatedAt: time.Now()}
	other := database.Task{Id: uuid.New(), Email: "b@example.com", Action: database.TaskReady, Application: "ampep"}
	for _, task := range []*database.Task{&older, &newer, &other} {
		require.NoError(t, database.CreateTask(ctx, db, task))
	}

	tasks, err := database.ListTasksByEmail(ctx, db, "a@example.com")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, newer.Id, tasks[0].Id)
	assert.Equal(t, older.Id, tasks[1].Id)
}

func TestCodonSeed(t *testing.T) {
	db := createDB(t)
	ctx := context.Background()

	codons, err := database.ListCodons(ctx, db)
	require.NoError(t, err)
	require.Len(t, codons, 25)
	assert.Equal(t, 1, codons[0].CodonsNumber)
	assert.Equal(t, "Standard Code", codons[0].Name)

	ok, err := database.CodonExists(ctx, db, 11)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = database.CodonExists(ctx, db, 7)
	require.NoError(t, err)
	assert.False(t, ok)
}
