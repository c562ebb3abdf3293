package export_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	"github.com/tachyon-beep/elspeth/export"
	"github.com/tachyon-beep/elspeth/landscape"
	"github.com/tachyon-beep/elspeth/token"
)

func newExportFixture(t *testing.T) (landscape.Store, string) {
	t.Helper()
	store, err := landscape.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	if _, err := store.BeginRun(ctx, landscape.Run{RunID: "run-1", Status: landscape.RunRunning}); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if _, err := store.RegisterNode(ctx, landscape.Node{NodeID: "src-1", RunID: "run-1", NodeType: landscape.NodeSource}); err != nil {
		t.Fatalf("RegisterNode src: %v", err)
	}
	if _, err := store.RegisterNode(ctx, landscape.Node{NodeID: "sink-1", RunID: "run-1", NodeType: landscape.NodeSink}); err != nil {
		t.Fatalf("RegisterNode sink: %v", err)
	}

	tokens := token.New(store)
	tok, err := tokens.CreateInitialToken(ctx, "run-1", "src-1", 0, landscape.PipelineRow{
		Fields: []string{"q"},
		Values: map[string]any{"q": "hi"},
	})
	if err != nil {
		t.Fatalf("CreateInitialToken: %v", err)
	}
	if err := store.RecordTokenOutcome(ctx, tok.TokenID, landscape.OutcomeCompleted, landscape.OutcomeReferent{}); err != nil {
		t.Fatalf("RecordTokenOutcome: %v", err)
	}
	if _, err := store.RegisterArtifact(ctx, landscape.Artifact{
		ArtifactID: "art-1", RunID: "run-1", ProducedByState: "", SinkNodeID: "sink-1",
		ArtifactType: "file", PathOrURI: "out.json", ContentHash: "sha256:deadbeef",
	}); err != nil {
		t.Fatalf("RegisterArtifact: %v", err)
	}
	return store, "run-1"
}

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	dec := json.NewDecoder(bytes.NewReader(b))
	for dec.More() {
		var m map[string]any
		if err := dec.Decode(&m); err != nil {
			t.Fatalf("decode export line: %v", err)
		}
		out = append(out, m)
	}
	return out
}

func TestExportEndsWithManifestCarryingFinalHash(t *testing.T) {
	store, runID := newExportFixture(t)
	var buf bytes.Buffer
	if err := export.NewExporter(store).Export(context.Background(), &buf, runID); err != nil {
		t.Fatalf("Export: %v", err)
	}

	lines := decodeLines(t, buf.Bytes())
	if len(lines) == 0 {
		t.Fatalf("expected at least one record")
	}
	last := lines[len(lines)-1]
	if last["type"] != "manifest" {
		t.Fatalf("expected last record to be manifest, got %v", last["type"])
	}
	data, _ := last["data"].(map[string]any)
	finalHash, _ := data["final_hash"].(string)
	if !strings.HasPrefix(finalHash, "sha256:") {
		t.Fatalf("expected final_hash to be a sha256 digest, got %q", finalHash)
	}
	if data["hash_algorithm"] != "sha256" {
		t.Fatalf("expected hash_algorithm %q, got %v", "sha256", data["hash_algorithm"])
	}
	if data["exported_at"] == nil || data["exported_at"] == "" {
		t.Fatalf("expected exported_at to be populated")
	}
	if last["signature"] != nil {
		t.Fatalf("manifest record itself never carries its own signature, got %v", last["signature"])
	}
	for _, line := range lines[:len(lines)-1] {
		if line["signature"] != nil {
			t.Fatalf("expected no per-record signature on an unsigned export, got %v", line)
		}
	}
}

func TestExportIsDeterministicAcrossRepeatedRuns(t *testing.T) {
	store, runID := newExportFixture(t)

	var buf1, buf2 bytes.Buffer
	exporter := export.NewExporter(store)
	if err := exporter.Export(context.Background(), &buf1, runID); err != nil {
		t.Fatalf("first Export: %v", err)
	}
	if err := exporter.Export(context.Background(), &buf2, runID); err != nil {
		t.Fatalf("second Export: %v", err)
	}
	if buf1.String() != buf2.String() {
		t.Fatalf("expected byte-identical exports, got diverging output")
	}
}

func TestSignedExportAttachesPerRecordSignatures(t *testing.T) {
	store, runID := newExportFixture(t)
	var buf bytes.Buffer
	if err := export.NewSignedExporter(store, []byte("secret")).Export(context.Background(), &buf, runID); err != nil {
		t.Fatalf("Export: %v", err)
	}

	lines := decodeLines(t, buf.Bytes())
	content, manifestLine := lines[:len(lines)-1], lines[len(lines)-1]
	if manifestLine["type"] != "manifest" {
		t.Fatalf("expected last record to be manifest, got %v", manifestLine["type"])
	}

	for _, line := range content {
		sig, _ := line["signature"].(string)
		if len(sig) != 64 {
			t.Fatalf("expected a 64-char hex signature on every content record, got %q (type=%v)", sig, line["type"])
		}
	}

	manifestData, _ := manifestLine["data"].(map[string]any)
	if manifestData["signature_algorithm"] != "hmac-sha256" {
		t.Fatalf("expected signature_algorithm %q, got %v", "hmac-sha256", manifestData["signature_algorithm"])
	}
	finalHash, _ := manifestData["final_hash"].(string)
	if len(finalHash) != 64 {
		t.Fatalf("expected a bare 64-char hex final_hash when signed, got %q", finalHash)
	}
}

func TestSignedExportFinalHashIsConcatenationOfRecordSignatures(t *testing.T) {
	store, runID := newExportFixture(t)
	var buf bytes.Buffer
	if err := export.NewSignedExporter(store, []byte("secret")).Export(context.Background(), &buf, runID); err != nil {
		t.Fatalf("Export: %v", err)
	}

	lines := decodeLines(t, buf.Bytes())
	content, manifestLine := lines[:len(lines)-1], lines[len(lines)-1]

	running := sha256.New()
	for _, line := range content {
		sig, _ := line["signature"].(string)
		running.Write([]byte(sig))
	}
	want := hex.EncodeToString(running.Sum(nil))

	manifestData, _ := manifestLine["data"].(map[string]any)
	got, _ := manifestData["final_hash"].(string)
	if got != want {
		t.Fatalf("final_hash mismatch: want %s, got %s", want, got)
	}
}

func TestSignedExportDifferentKeysProduceDifferentSignatures(t *testing.T) {
	store, runID := newExportFixture(t)

	var buf1, buf2 bytes.Buffer
	if err := export.NewSignedExporter(store, []byte("key-one")).Export(context.Background(), &buf1, runID); err != nil {
		t.Fatalf("Export (key-one): %v", err)
	}
	if err := export.NewSignedExporter(store, []byte("key-two")).Export(context.Background(), &buf2, runID); err != nil {
		t.Fatalf("Export (key-two): %v", err)
	}

	lines1 := decodeLines(t, buf1.Bytes())
	lines2 := decodeLines(t, buf2.Bytes())
	sig1, _ := lines1[0]["signature"].(string)
	sig2, _ := lines2[0]["signature"].(string)
	if sig1 == "" || sig2 == "" || sig1 == sig2 {
		t.Fatalf("expected different keys to produce different per-record signatures, got %q and %q", sig1, sig2)
	}

	manifest1, _ := lines1[len(lines1)-1]["data"].(map[string]any)
	manifest2, _ := lines2[len(lines2)-1]["data"].(map[string]any)
	if manifest1["final_hash"] == manifest2["final_hash"] {
		t.Fatalf("expected different keys to produce different final_hash")
	}
}

func TestExportRecordsArtifact(t *testing.T) {
	store, runID := newExportFixture(t)
	var buf bytes.Buffer
	if err := export.NewExporter(store).Export(context.Background(), &buf, runID); err != nil {
		t.Fatalf("Export: %v", err)
	}

	found := false
	for _, line := range decodeLines(t, buf.Bytes()) {
		if line["type"] == "artifact" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an artifact record in the export")
	}
}
