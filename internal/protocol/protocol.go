// Package protocol defines the two message families exchanged between
// client and server over the framed codec: FileSpec (client to server)
// and Receipt (server to client).
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/amorison/pipeline/internal/digest"
)

// FileSpec describes a file a client wants to transfer, or that a
// server is replying about.
type FileSpec struct {
	ClientName     string        `json:"client"`
	RelativeSubdir string        `json:"path"`
	FileName       string        `json:"filename"`
	Digest         digest.Digest `json:"sha256_digest"`
}

// Validate checks the FileSpec invariants a well-formed frame must satisfy.
func (s FileSpec) Validate() error {
	if s.FileName == "" {
		return errors.New("file_name must be non-empty")
	}
	if s.Digest.Hex == "" {
		return errors.New("digest must be set")
	}
	return nil
}

// String renders a FileSpec for logging.
func (s FileSpec) String() string {
	return fmt.Sprintf("%s/%s/%s[%s:%s]", s.ClientName, s.RelativeSubdir, s.FileName, s.Digest.Kind, s.Digest.Hex)
}

// ReceiptKind tags the variant carried by a Receipt.
type ReceiptKind int

const (
	// Expecting means the server did not know this digest and wants
	// the file delivered at ServerRelPath before being re-sent.
	Expecting ReceiptKind = iota
	// Received means the server already has this digest; the client
	// may drop its local copy.
	Received
	// DifferentHash means the server recomputed the digest at the
	// expected location and it did not match.
	DifferentHash
	// Error means the server could not access the expected file at
	// all and asks for a fresh delivery.
	Error
)

// Receipt is the server's reply to a FileSpec, a closed tagged union
// matched exhaustively by callers.
type Receipt struct {
	Kind          ReceiptKind
	Spec          FileSpec
	ServerRelPath string // set for Expecting and Error
	ErrorMessage  string // set for Error
}

// ContinueProcessing reports whether this reply means the server
// intends to start processing for this FileSpec (true only for
// Received).
func (r Receipt) ContinueProcessing() bool {
	return r.Kind == Received
}

type wireExpecting struct {
	Spec          FileSpec `json:"spec"`
	ServerRelPath string   `json:"server_rel_path"`
}

type wireError struct {
	Spec          FileSpec `json:"spec"`
	ServerRelPath string   `json:"server_rel_path"`
	Error         string   `json:"error"`
}

// MarshalJSON renders the Receipt using an externally tagged encoding,
// one JSON object key per variant.
func (r Receipt) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case Expecting:
		return json.Marshal(map[string]wireExpecting{
			"Expecting": {Spec: r.Spec, ServerRelPath: r.ServerRelPath},
		})
	case Received:
		return json.Marshal(map[string]FileSpec{"Received": r.Spec})
	case DifferentHash:
		return json.Marshal(map[string]FileSpec{"DifferentHash": r.Spec})
	case Error:
		return json.Marshal(map[string]wireError{
			"Error": {Spec: r.Spec, ServerRelPath: r.ServerRelPath, Error: r.ErrorMessage},
		})
	default:
		return nil, errors.Errorf("unknown receipt kind %v", r.Kind)
	}
}

// UnmarshalJSON parses the externally tagged Receipt encoding.
func (r *Receipt) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "decoding receipt")
	}
	if len(raw) != 1 {
		return errors.Errorf("receipt must have exactly one tag, got %d", len(raw))
	}

	if v, ok := raw["Expecting"]; ok {
		var w wireExpecting
		if err := json.Unmarshal(v, &w); err != nil {
			return errors.Wrap(err, "decoding Expecting")
		}
		r.Kind = Expecting
		r.Spec = w.Spec
		r.ServerRelPath = w.ServerRelPath
		return nil
	}
	if v, ok := raw["Received"]; ok {
		var spec FileSpec
		if err := json.Unmarshal(v, &spec); err != nil {
			return errors.Wrap(err, "decoding Received")
		}
		r.Kind = Received
		r.Spec = spec
		return nil
	}
	if v, ok := raw["DifferentHash"]; ok {
		var spec FileSpec
		if err := json.Unmarshal(v, &spec); err != nil {
			return errors.Wrap(err, "decoding DifferentHash")
		}
		r.Kind = DifferentHash
		r.Spec = spec
		return nil
	}
	if v, ok := raw["Error"]; ok {
		var w wireError
		if err := json.Unmarshal(v, &w); err != nil {
			return errors.Wrap(err, "decoding Error")
		}
		r.Kind = Error
		r.Spec = w.Spec
		r.ServerRelPath = w.ServerRelPath
		r.ErrorMessage = w.Error
		return nil
	}
	for tag := range raw {
		return errors.Errorf("unknown receipt tag %q", tag)
	}
	return errors.New("empty receipt")
}

// NewExpecting builds an Expecting receipt.
func NewExpecting(spec FileSpec, serverRelPath string) Receipt {
	return Receipt{Kind: Expecting, Spec: spec, ServerRelPath: serverRelPath}
}

// NewReceived builds a Received receipt.
func NewReceived(spec FileSpec) Receipt {
	return Receipt{Kind: Received, Spec: spec}
}

// NewDifferentHash builds a DifferentHash receipt.
func NewDifferentHash(spec FileSpec) Receipt {
	return Receipt{Kind: DifferentHash, Spec: spec}
}

// NewError builds an Error receipt.
func NewError(spec FileSpec, serverRelPath string, err error) Receipt {
	return Receipt{Kind: Error, Spec: spec, ServerRelPath: serverRelPath, ErrorMessage: err.Error()}
}
