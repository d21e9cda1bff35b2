package protocol

import (
	"encoding/json"
	"testing"

	"github.com/amorison/pipeline/internal/digest"
)

func sampleSpec() FileSpec {
	return FileSpec{
		ClientName:     "c1",
		RelativeSubdir: "sub/dir",
		FileName:       "a.mrc",
		Digest:         digest.Digest{Kind: digest.Full, Hex: "8f434346648f6b96df89dda901c5176b10a6d83961dd3c1ac88b59b2dc327aa"},
	}
}

func TestFileSpecRoundTrip(t *testing.T) {
	want := sampleSpec()
	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got FileSpec
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestFileSpecWireShape(t *testing.T) {
	data, err := json.Marshal(sampleSpec())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, key := range []string{"client", "path", "filename", "sha256_digest"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("wire form missing key %q: %s", key, data)
		}
	}
}

func TestReceiptRoundTrip(t *testing.T) {
	spec := sampleSpec()
	cases := []Receipt{
		NewExpecting(spec, "8f/43/8f43..."),
		NewReceived(spec),
		NewDifferentHash(spec),
		NewError(spec, "8f/43/8f43...", errTest{"boom"}),
	}

	for _, want := range cases {
		data, err := json.Marshal(want)
		if err != nil {
			t.Fatalf("Marshal(%v): %v", want.Kind, err)
		}
		var got Receipt
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("Unmarshal(%s): %v", data, err)
		}
		if got != want {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestReceiptExternallyTagged(t *testing.T) {
	data, err := json.Marshal(NewReceived(sampleSpec()))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(raw) != 1 {
		t.Fatalf("expected exactly one tag, got %d: %s", len(raw), data)
	}
	if _, ok := raw["Received"]; !ok {
		t.Fatalf("expected Received tag, got %s", data)
	}
}

func TestContinueProcessing(t *testing.T) {
	spec := sampleSpec()
	if !NewReceived(spec).ContinueProcessing() {
		t.Fatalf("Received must continue processing")
	}
	for _, r := range []Receipt{NewExpecting(spec, "x"), NewDifferentHash(spec), NewError(spec, "x", errTest{"e"})} {
		if r.ContinueProcessing() {
			t.Fatalf("%v must not continue processing", r.Kind)
		}
	}
}

type errTest struct{ msg string }

func (e errTest) Error() string { return e.msg }
