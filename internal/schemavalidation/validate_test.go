package schemavalidation

import "testing"

func TestValidatePayloadAccepted(t *testing.T) {
	v, err := NewPayloadValidator()
	if err != nil {
		t.Fatalf("NewPayloadValidator failed: %v", err)
	}

	payload := map[string]interface{}{
		"subject": "code-review",
		"content": "Review PR #42 for 100 sats",
		"counterparty": "peerX",
		"metadata": map[string]interface{}{
			"priority": "high",
		},
	}

	if err := v.ValidatePayload(payload); err != nil {
		t.Errorf("expected valid payload to pass, got: %v", err)
	}
}

func TestValidatePayloadMissingRequiredField(t *testing.T) {
	v, err := NewPayloadValidator()
	if err != nil {
		t.Fatalf("NewPayloadValidator failed: %v", err)
	}

	payload := map[string]interface{}{
		"content": "missing subject",
	}

	if err := v.ValidatePayload(payload); err == nil {
		t.Error("expected validation error for missing subject")
	}
}

func TestValidatePayloadRejectsUnknownField(t *testing.T) {
	v, err := NewPayloadValidator()
	if err != nil {
		t.Fatalf("NewPayloadValidator failed: %v", err)
	}

	payload := map[string]interface{}{
		"subject": "x",
		"content": "y",
		"unexpected_field": "should not be allowed",
	}

	if err := v.ValidatePayload(payload); err == nil {
		t.Error("expected validation error for unknown field")
	}
}

func TestValidatePayloadAllowsOptionalFieldsOmitted(t *testing.T) {
	v, err := NewPayloadValidator()
	if err != nil {
		t.Fatalf("NewPayloadValidator failed: %v", err)
	}

	payload := map[string]interface{}{
		"subject": "state-update",
		"content": "balance: 42",
	}

	if err := v.ValidatePayload(payload); err != nil {
		t.Errorf("expected payload without counterparty/metadata to pass, got: %v", err)
	}
}
