package db

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/bobarin/reelsmith/internal/models"
)

// openTestDB connects to TEST_DATABASE_URL or skips.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	database, err := New(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return database
}

func TestJobLifecycle(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	job := &models.Job{
		ID:          uuid.NewString(),
		ProductData: &models.ProductData{Title: "Mug", Price: 12.5, Images: []string{"a.jpg"}},
	}
	created, err := database.CreateJob(ctx, job)
	if err != nil || !created {
		t.Fatalf("CreateJob = %v, %v", created, err)
	}
	again, err := database.CreateJob(ctx, &models.Job{ID: job.ID})
	if err != nil || again {
		t.Fatalf("duplicate CreateJob = %v, %v", again, err)
	}

	if _, err := database.UpdateJobStatus(ctx, job.ID, models.JobStatusScripting, models.ProgressScript); err != nil {
		t.Fatal(err)
	}
	// A lower checkpoint never moves progress backwards.
	if _, err := database.UpdateJobStatus(ctx, job.ID, models.JobStatusScripting, models.ProgressPreparing); err != nil {
		t.Fatal(err)
	}
	got, err := database.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Progress != models.ProgressScript || got.ProductData == nil || got.ProductData.Title != "Mug" {
		t.Errorf("unexpected job %+v", got)
	}

	scenes := models.Scenes{{Text: "a", DurationEstimate: 3}, {Text: "b"}, {Text: "c"}}
	if ok, err := database.UpdateJobScript(ctx, job.ID, scenes); err != nil || !ok {
		t.Fatalf("UpdateJobScript = %v, %v", ok, err)
	}

	if ok, err := database.CompleteJob(ctx, job.ID, "https://cdn/final.mp4"); err != nil || !ok {
		t.Fatalf("CompleteJob = %v, %v", ok, err)
	}
	if ok, _ := database.FailJob(ctx, job.ID, "late failure"); ok {
		t.Error("a completed job must not transition to failed")
	}
	if ok, _ := database.UpdateJobStatus(ctx, job.ID, models.JobStatusRendering, models.ProgressRendering); ok {
		t.Error("a completed job must not accept status updates")
	}

	got, err = database.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.JobStatusCompleted || got.Progress != 100 || got.Error != nil || len(got.ScriptData) != 3 {
		t.Errorf("unexpected settled job %+v", got)
	}
}

func TestGetJobNotFound(t *testing.T) {
	database := openTestDB(t)
	if _, err := database.GetJob(context.Background(), uuid.NewString()); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestProducts(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	ref := "sku-" + uuid.NewString()[:8]

	p := &models.ProductData{Title: "Kopi", Price: 45000, Currency: "IDR", Images: []string{"x.jpg", "y.jpg"}}
	if err := database.UpsertProduct(ctx, ref, p); err != nil {
		t.Fatal(err)
	}
	got, err := database.GetProduct(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Kopi" || got.Price != 45000 || len(got.Images) != 2 {
		t.Errorf("unexpected product %+v", got)
	}
	if _, err := database.GetProduct(ctx, "missing-"+ref); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
