package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecode_Valid(t *testing.T) {
	raw := []byte(`{"task_id":"t-1","sequence":3,"kind":"step_progress","payload":{"step_index":1,"status":"completed"},"timestamp":"2026-01-02T15:04:05Z"}`)

	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if env.TaskID != "t-1" {
		t.Errorf("Expected task_id t-1, got %s", env.TaskID)
	}
	if env.Kind != KindStepProgress {
		t.Errorf("Expected kind step_progress, got %s", env.Kind)
	}
	if env.Sequence != 3 {
		t.Errorf("Expected sequence 3, got %d", env.Sequence)
	}
}

func TestDecode_UnknownKind(t *testing.T) {
	raw := []byte(`{"task_id":"t-1","kind":"video_frame","payload":{}}`)

	_, err := Decode(raw)
	if !errors.Is(err, ErrUnknownEventKind) {
		t.Errorf("Expected ErrUnknownEventKind, got %v", err)
	}
}

func TestDecode_MissingTaskID(t *testing.T) {
	raw := []byte(`{"kind":"heartbeat"}`)

	_, err := Decode(raw)
	if !errors.Is(err, ErrMissingTaskID) {
		t.Errorf("Expected ErrMissingTaskID, got %v", err)
	}
}

func TestDecode_NotJSON(t *testing.T) {
	_, err := Decode([]byte(`not json at all`))
	if !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("Expected ErrMalformedPayload, got %v", err)
	}
}

func TestDecode_PayloadTooLarge(t *testing.T) {
	big := bytes.Repeat([]byte("x"), MaxPayloadBytes+1)
	payload, _ := json.Marshal(map[string]string{"data": string(big)})
	raw, _ := json.Marshal(map[string]any{
		"task_id": "t-1",
		"kind":    "log",
		"payload": json.RawMessage(payload),
	})

	_, err := Decode(raw)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestDecode_DefaultsTimestamp(t *testing.T) {
	env, err := Decode([]byte(`{"task_id":"t-1","kind":"heartbeat"}`))
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if env.Timestamp.IsZero() {
		t.Error("Expected timestamp to be defaulted")
	}
	if time.Since(env.Timestamp) > time.Minute {
		t.Errorf("Defaulted timestamp too old: %v", env.Timestamp)
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	env, err := New("t-9", KindScreenshotCaptured, ScreenshotCapturedPayload{
		ArtifactPath: "/artifacts/t-9/shot-1.png",
		Width:        1280,
		Height:       720,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}

	var p ScreenshotCapturedPayload
	if err := decoded.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload() failed: %v", err)
	}
	if p.ArtifactPath != "/artifacts/t-9/shot-1.png" {
		t.Errorf("Unexpected artifact path: %s", p.ArtifactPath)
	}
}

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		payload string
		wantErr bool
	}{
		{"valid step progress", KindStepProgress, `{"step_index":0,"status":"running"}`, false},
		{"negative step index", KindStepProgress, `{"step_index":-1,"status":"running"}`, true},
		{"screenshot without path", KindScreenshotCaptured, `{"caption":"login page"}`, true},
		{"tool call without name", KindToolCallRequested, `{"tool_call_id":"c1"}`, true},
		{"valid tool call", KindToolCallRequested, `{"tool_call_id":"c1","tool_name":"browser_click"}`, false},
		{"approval without request id", KindApprovalRequest, `{"action_description":"delete file","risk_level":"high"}`, true},
		{"context request without question", KindContextRequest, `{"request_id":"r1"}`, true},
		{"task failed without message", KindTaskFailed, `{"code":"boom"}`, true},
		{"valid terminal", KindTaskCompleted, `{"result":"done"}`, false},
		{"payload not an object", KindLog, `"just a string"`, true},
		{"empty payload heartbeat", KindHeartbeat, ``, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := &Envelope{TaskID: "t-1", Kind: tt.kind}
			if tt.payload != "" {
				env.Payload = json.RawMessage(tt.payload)
			}
			err := ValidatePayload(env)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePayload() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTerminal(t *testing.T) {
	for _, k := range []Kind{KindTaskCompleted, KindTaskFailed, KindTaskCancelled} {
		if !Terminal(k) {
			t.Errorf("Expected %s to be terminal", k)
		}
	}
	for _, k := range []Kind{KindTaskStarted, KindHeartbeat, KindError} {
		if Terminal(k) {
			t.Errorf("Expected %s to not be terminal", k)
		}
	}
}
