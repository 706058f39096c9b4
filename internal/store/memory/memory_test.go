package memory

import (
	"context"
	"testing"
	"time"

	"github.com/narvanalabs/botrunner/internal/models"
	"github.com/narvanalabs/botrunner/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, New())
}

func TestLoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := New()
	rec := storetest.Record("s", "d", time.Now())
	if err := s.Deployments().Save(ctx, rec); err != nil {
		t.Fatal(err)
	}

	rec.Details.FileList[0] = "mutated.js"
	rec.ExternalConfig.ConnectionString = "mutated"

	got, err := s.Deployments().Load(ctx, models.DeploymentKey{ServerID: "s", DeploymentID: "d"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Details.FileList[0] != "index.js" {
		t.Errorf("FileList aliased caller slice: %v", got.Details.FileList)
	}
	if got.ExternalConfig.ConnectionString == "mutated" {
		t.Error("ExternalConfig aliased caller value")
	}
}
