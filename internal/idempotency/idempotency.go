// Package idempotency derives stable keys for control operations so that
// repeating an operation maps onto the same record.
package idempotency

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/iambrandonn/roam/internal/checksum"
	"github.com/iambrandonn/roam/internal/protocol"
)

// CanonicalJSON converts a value to deterministic JSON: object keys are
// sorted at every depth, array order is preserved and numbers keep their
// original text.
func CanonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("failed to normalize value: %w", err)
	}

	// encoding/json writes map keys in sorted order.
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return out, nil
}

// DeploymentKey identifies a deployment contract by its content. Deploying
// the same spec to the same placement twice yields the same key.
// Format: "dep-" + 16 hex chars of blake3(name \n runtime \n canonical(spec)).
func DeploymentKey(spec protocol.AgentSpec, runtime string) (string, error) {
	spec.ID = ""
	specJSON, err := CanonicalJSON(spec)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize spec: %w", err)
	}
	input := spec.Name + "\n" + runtime + "\n" + string(specJSON)
	return "dep-" + checksum.Short([]byte(input), 16), nil
}
