// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

type sampleRecord struct {
	Hash     string    `cbor:"hash"`
	State    string    `cbor:"state"`
	Reason   string    `cbor:"reason,omitempty"`
	Finished time.Time `cbor:"finished"`
}

func TestMarshalUnmarshal(t *testing.T) {
	t.Parallel()

	original := sampleRecord{
		Hash:     "0c2g5kg4rv6yxyhkmpqm6h6ypm8vzhgs-hello-2.12.1",
		State:    "succeeded",
		Finished: time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded sampleRecord
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Hash != original.Hash || decoded.State != original.State {
		t.Errorf("decoded %+v, want %+v", decoded, original)
	}
	if !decoded.Finished.Equal(original.Finished) {
		t.Errorf("Finished = %v, want %v (nanoseconds must survive)", decoded.Finished, original.Finished)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	t.Parallel()

	first, err := Marshal(map[string]int{"zeta": 1, "alpha": 2, "mid": 3})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for range 10 {
		again, err := Marshal(map[string]int{"mid": 3, "alpha": 2, "zeta": 1})
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding not deterministic: %x != %x", first, again)
		}
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	t.Parallel()

	data, err := Marshal(map[string]any{"hash": "abc", "state": "failed", "added_later": 7})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded sampleRecord
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal with unknown field: %v", err)
	}
	if decoded.Hash != "abc" {
		t.Errorf("Hash = %q, want abc", decoded.Hash)
	}
}

func TestUnmarshalAnyUsesStringKeys(t *testing.T) {
	t.Parallel()

	data, err := Marshal(sampleRecord{Hash: "abc", State: "succeeded"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	fields, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded %T, want map[string]any", decoded)
	}
	if fields["hash"] != "abc" {
		t.Errorf("hash = %v, want abc", fields["hash"])
	}
}

func TestDiagnose(t *testing.T) {
	t.Parallel()

	data, err := Marshal(sampleRecord{Hash: "abc", State: "succeeded"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	diagnostic, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if !strings.Contains(diagnostic, `"hash": "abc"`) {
		t.Errorf("Diagnose = %s, want hash field", diagnostic)
	}
}
