package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/helix-tools/dhis2-pipelines/config"
	"github.com/helix-tools/dhis2-pipelines/store"
	"github.com/helix-tools/dhis2-pipelines/types"
)

// Connection checked by the smoke test, overridable with E2E_CONNECTION.
var connectionName = "dhis2-pnlp"

func fail(format string, args ...any) {
	fmt.Printf("❌ "+format+"\n", args...)
	os.Exit(1)
}

func step(title string) {
	fmt.Println(title)
	fmt.Println("--------------------------------------------------------------------------------")
}

func main() {
	fmt.Println("================================================================================")
	fmt.Println("  DHIS2 PIPELINES END-TO-END SMOKE TEST")
	fmt.Println("  DHIS2 access → Metadata → Artifact round trip")
	fmt.Println("================================================================================")
	fmt.Println("")

	ctx := context.Background()

	if name := os.Getenv("E2E_CONNECTION"); name != "" {
		connectionName = name
	}

	// Step 1: Load configuration
	step("Step 1: Load Configuration")
	cfg, err := config.Load("")
	if err != nil {
		fail("Failed to load configuration: %v", err)
	}

	if cfg.NeedsSecrets() {
		if err := cfg.ResolveSecretsFromSSM(ctx); err != nil {
			fail("Failed to resolve secrets: %v", err)
		}
	}

	client, err := cfg.Client(connectionName)
	if err != nil {
		fail("Failed to create client: %v", err)
	}
	fmt.Printf("✅ Configuration loaded\n")
	fmt.Printf("   Connection: %s\n", connectionName)
	fmt.Printf("   URL: %s\n\n", client.BaseURL())

	// Step 2: Check access
	step("Step 2: Check Access")
	me, err := client.Me(ctx)
	if err != nil {
		fail("Failed to get current user: %v", err)
	}
	fmt.Printf("✅ Connected as %s\n", me.Username)
	fmt.Printf("   Can write data values: %t\n\n", me.Write || me.Update)

	// Step 3: Read metadata
	step("Step 3: Read Metadata")
	levels, err := client.OrganisationUnitLevels(ctx)
	if err != nil {
		fail("Failed to get levels: %v", err)
	}

	units, err := client.OrganisationUnits(ctx, "level:le:2")
	if err != nil {
		fail("Failed to get organisation units: %v", err)
	}
	fmt.Printf("✅ %d levels, %d units at level 2 or above\n\n", len(levels), len(units))

	// Step 4: Artifact round trip
	step("Step 4: Artifact Round Trip")
	if cfg.Artifacts.Bucket == "" {
		fmt.Printf("⏭  No artifact bucket configured, skipping\n\n")
	} else {
		artifactRoundTrip(ctx, cfg, units)
	}

	fmt.Println("================================================================================")
	fmt.Println("  ✅ DHIS2 PIPELINES SMOKE TEST COMPLETE!")
	fmt.Println("================================================================================")
}

func artifactRoundTrip(ctx context.Context, cfg *config.Config, units []types.OrgUnit) {
	artifacts, err := store.NewArtifactStore(ctx, cfg.Artifacts, zap.NewNop())
	if err != nil {
		fail("Failed to create artifact store: %v", err)
	}

	dir, err := os.MkdirTemp("", "dhis2-e2e-")
	if err != nil {
		fail("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	local := filepath.Join(dir, "org_units.json")
	if err := store.WriteJSON(local, units); err != nil {
		fail("Failed to write org units: %v", err)
	}

	key := artifacts.Key("e2e", fmt.Sprintf("org_units_%d.json", time.Now().Unix()))
	if err := artifacts.Upload(ctx, local, key); err != nil {
		fail("Failed to upload artifact: %v", err)
	}
	fmt.Printf("✅ Uploaded s3://%s/%s\n", artifacts.Bucket, key)

	restored := filepath.Join(dir, "restored.json")
	if err := artifacts.Download(ctx, key, restored); err != nil {
		fail("Failed to download artifact: %v", err)
	}

	var got []types.OrgUnit
	if err := store.ReadJSON(restored, &got); err != nil {
		fail("Failed to read restored artifact: %v", err)
	}

	if len(got) != len(units) {
		fail("Restored %d units, expected %d", len(got), len(units))
	}
	fmt.Printf("✅ Restored %d units (compression level %d, KMS key %q)\n\n",
		len(got), artifacts.CompressionLevel, artifacts.KMSKeyID)
}
