// Package export streams a run's full landscape audit trail out as a
// deterministic, optionally HMAC-signed record chain (§4.6), and verifies a
// fresh set of external calls against what was previously recorded.
//
// Grounded on graph/checkpoint.go's computeIdempotencyKey (a SHA-256 chain
// over ordered, canonical record bytes) generalized from a single
// checkpoint's idempotency key to a whole-run export hash chain, and on
// graph/replay.go's RecordedIO/hash-comparison pattern for the verifier.
package export

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/tachyon-beep/elspeth/landscape"
)

// record is one line of the export stream: a record type tag, the
// canonical-JSON payload, the running chain hash through this record, and
// — when the Exporter was constructed with a signing key — a per-record
// HMAC-SHA256 signature over the record's canonical form (§4.6).
type record struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Hash      string `json:"hash"`
	Signature string `json:"signature,omitempty"`
}

// manifest is the terminal record of every export: FinalHash is stable
// across repeat exports of the same run. When the Exporter was constructed
// with a signing key, FinalHash is the SHA-256 of the concatenation of
// every content record's Signature, in emission order; otherwise it is the
// plain chain hash over canonical record bytes. ExportedAt is forensic
// metadata only and is never folded into the hash chain.
type manifest struct {
	RunID              string    `json:"run_id"`
	RecordCount        int       `json:"record_count"`
	FinalHash          string    `json:"final_hash"`
	HashAlgorithm      string    `json:"hash_algorithm"`
	SignatureAlgorithm string    `json:"signature_algorithm,omitempty"`
	ExportedAt         time.Time `json:"exported_at"`
}

// Exporter streams one run's audit trail. NewExporter produces unsigned
// exports; NewSignedExporter HMAC-SHA256-signs every content record and
// folds those signatures into the terminal manifest's final_hash instead.
type Exporter struct {
	store   landscape.Store
	hmacKey []byte
}

// NewExporter returns an Exporter producing unsigned exports.
func NewExporter(store landscape.Store) *Exporter {
	return &Exporter{store: store}
}

// NewSignedExporter returns an Exporter that HMAC-SHA256-signs each
// emitted content record with key and derives the manifest's FinalHash
// from the concatenation of those signatures.
func NewSignedExporter(store landscape.Store, key []byte) *Exporter {
	return &Exporter{store: store, hmacKey: key}
}

// allPages is passed to every list reader: the store's contract pages by
// (created_at, id) internally and treats Limit: 0 as "no limit", so one
// call is sufficient to drain a run's full history for export.
var allPages = landscape.Page{Limit: 0}

// Export writes every record of runID's audit trail to w as newline-
// delimited JSON, in the deterministic order §4.6 requires: run, nodes,
// edges, rows, tokens, token_parents, node_states, routing_events,
// batches (each immediately followed by its members), calls, artifacts,
// manifest. Record order within a type follows the store's
// (created_at, id) contract, so two exports of the same run with the same
// key produce byte-identical content records and an identical final_hash;
// only the manifest's exported_at timestamp differs between exports.
func (e *Exporter) Export(ctx context.Context, w io.Writer, runID string) error {
	chain := sha256.New()
	sigChain := sha256.New()
	count := 0
	enc := json.NewEncoder(w)

	emit := func(typ string, data any) error {
		canon, err := landscape.Canonicalize(data)
		if err != nil {
			return fmt.Errorf("export: canonicalize %s record: %w", typ, err)
		}
		chain.Write(canon)
		rec := record{Type: typ, Data: data, Hash: "sha256:" + hex.EncodeToString(chain.Sum(nil))}

		if e.hmacKey != nil {
			recCanon, err := landscape.Canonicalize(rec)
			if err != nil {
				return fmt.Errorf("export: canonicalize %s record for signing: %w", typ, err)
			}
			mac := hmac.New(sha256.New, e.hmacKey)
			mac.Write(recCanon)
			rec.Signature = hex.EncodeToString(mac.Sum(nil))
			sigChain.Write([]byte(rec.Signature))
		}

		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("export: encode %s record: %w", typ, err)
		}
		count++
		return nil
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("export: get run %q: %w", runID, err)
	}
	if err := emit("run", run); err != nil {
		return err
	}

	nodes, err := e.store.GetNodes(ctx, runID, allPages)
	if err != nil {
		return fmt.Errorf("export: list nodes: %w", err)
	}
	for _, n := range nodes {
		if err := emit("node", n); err != nil {
			return err
		}
	}

	edges, err := e.store.GetEdges(ctx, runID, allPages)
	if err != nil {
		return fmt.Errorf("export: list edges: %w", err)
	}
	for _, ed := range edges {
		if err := emit("edge", ed); err != nil {
			return err
		}
	}

	rows, err := e.store.GetRows(ctx, runID, allPages)
	if err != nil {
		return fmt.Errorf("export: list rows: %w", err)
	}
	for _, r := range rows {
		if err := emit("row", r); err != nil {
			return err
		}
	}

	tokens, err := e.store.GetTokens(ctx, runID, allPages)
	if err != nil {
		return fmt.Errorf("export: list tokens: %w", err)
	}
	for _, tok := range tokens {
		if err := emit("token", tok); err != nil {
			return err
		}
	}

	parents, err := e.store.GetTokenParentsForRun(ctx, runID, allPages)
	if err != nil {
		return fmt.Errorf("export: list token parents: %w", err)
	}
	for _, p := range parents {
		if err := emit("token_parent", p); err != nil {
			return err
		}
	}

	states, err := e.store.GetNodeStatesForRun(ctx, runID, allPages)
	if err != nil {
		return fmt.Errorf("export: list node states: %w", err)
	}
	for _, s := range states {
		if err := emit("node_state", s); err != nil {
			return err
		}
	}

	routing, err := e.store.GetRoutingEventsForRun(ctx, runID, allPages)
	if err != nil {
		return fmt.Errorf("export: list routing events: %w", err)
	}
	for _, rv := range routing {
		if err := emit("routing_event", rv); err != nil {
			return err
		}
	}

	batches, err := e.store.GetBatchesForRun(ctx, runID, allPages)
	if err != nil {
		return fmt.Errorf("export: list batches: %w", err)
	}
	for _, b := range batches {
		if err := emit("batch", b); err != nil {
			return err
		}
		members, err := e.store.GetBatchMembers(ctx, b.BatchID)
		if err != nil {
			return fmt.Errorf("export: list batch members for %q: %w", b.BatchID, err)
		}
		for _, m := range members {
			if err := emit("batch_member", m); err != nil {
				return err
			}
		}
	}

	calls, err := e.store.GetCallsForRun(ctx, runID, allPages)
	if err != nil {
		return fmt.Errorf("export: list calls: %w", err)
	}
	for _, c := range calls {
		if err := emit("call", c); err != nil {
			return err
		}
	}

	artifacts, err := e.store.GetArtifactsForRun(ctx, runID, allPages)
	if err != nil {
		return fmt.Errorf("export: list artifacts: %w", err)
	}
	for _, a := range artifacts {
		if err := emit("artifact", a); err != nil {
			return err
		}
	}

	man := manifest{
		RunID:         runID,
		RecordCount:   count,
		HashAlgorithm: "sha256",
		ExportedAt:    time.Now().UTC(),
	}
	if e.hmacKey != nil {
		man.FinalHash = hex.EncodeToString(sigChain.Sum(nil))
		man.SignatureAlgorithm = "hmac-sha256"
	} else {
		man.FinalHash = "sha256:" + hex.EncodeToString(chain.Sum(nil))
	}
	if err := enc.Encode(struct {
		Type string   `json:"type"`
		Data manifest `json:"data"`
	}{Type: "manifest", Data: man}); err != nil {
		return fmt.Errorf("export: encode manifest: %w", err)
	}
	return nil
}
