package domain

import (
	"encoding/json"
	"testing"
)

func TestDecodeCreateNormalizesAttachments(t *testing.T) {
	data := json.RawMessage(`{"title":"Fix bug","status":"todo","attachments":["https://a/1.png",{"url":"https://a/2.pdf","name":"spec.pdf","size":2048,"type":"application/pdf"}]}`)
	req, err := DecodeCreate(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.Attachments[0].Kind != AttachmentString || req.Attachments[1].Kind != AttachmentObject {
		t.Fatalf("unexpected kinds %+v", req.Attachments)
	}
	if req.Attachments[1].Name != "spec.pdf" || req.Attachments[1].MIMEType != "application/pdf" {
		t.Fatalf("object metadata not decoded: %+v", req.Attachments[1])
	}
	fields := req.Fields()
	if len(fields.Attachments) != 2 || fields.Attachments[0] != "https://a/1.png" || fields.Attachments[1] != "https://a/2.pdf" {
		t.Fatalf("unexpected urls %v", fields.Attachments)
	}
}

func TestDecodeCreateRejectsMalformedPayloads(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing", ``},
		{"null", `null`},
		{"array", `[1,2]`},
		{"wrong type", `{"title":42}`},
		{"attachment without url", `{"attachments":[{"name":"a.png"}]}`},
		{"attachment number", `{"attachments":[7]}`},
		{"attachments not a list", `{"attachments":"https://a"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCreate(json.RawMessage(tt.data))
			if !IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestDecodeUpdateDistinguishesAbsentAttachments(t *testing.T) {
	req, err := DecodeUpdate(json.RawMessage(`{"id":"t1","title":"x","createdAt":"2024-01-01T00:00:00Z"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	p := req.Patch()
	if p.Attachments != nil {
		t.Fatalf("absent attachments should stay nil")
	}
	if p.Title == nil || *p.Title != "x" || p.Status != nil {
		t.Fatalf("unexpected patch %+v", p)
	}

	req, err = DecodeUpdate(json.RawMessage(`{"id":"t1","attachments":[]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	p = req.Patch()
	if p.Attachments == nil || len(*p.Attachments) != 0 {
		t.Fatalf("empty attachments list should clear, got %+v", p.Attachments)
	}
}

func TestDecodeUpdateRequiresID(t *testing.T) {
	_, err := DecodeUpdate(json.RawMessage(`{"title":"x"}`))
	verr, ok := err.(*ValidationError)
	if !ok || verr.Field != "id" {
		t.Fatalf("expected id validation error, got %v", err)
	}
}

func TestDecodeMoveAndDelete(t *testing.T) {
	mv, err := DecodeMove(json.RawMessage(`{"id":"t1","status":"done"}`))
	if err != nil || mv.ID != "t1" || mv.Status != "done" {
		t.Fatalf("unexpected move %+v %v", mv, err)
	}
	if _, err := DecodeMove(json.RawMessage(`{"id":"t1"}`)); !IsValidation(err) {
		t.Fatalf("expected validation error for missing status, got %v", err)
	}
	id, err := DecodeDelete(json.RawMessage(`"t1"`))
	if err != nil || id != "t1" {
		t.Fatalf("unexpected delete %q %v", id, err)
	}
	if _, err := DecodeDelete(json.RawMessage(`{"id":"t1"}`)); !IsValidation(err) {
		t.Fatalf("expected validation error for object delete, got %v", err)
	}
}

func TestEventRoundTrip(t *testing.T) {
	ev, err := NewEvent(EventTaskDeleted, "t1")
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	frame, err := ev.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(frame) != `{"event":"task:deleted","data":"t1"}` {
		t.Fatalf("unexpected frame %s", frame)
	}
	back, err := DecodeEvent(frame)
	if err != nil || back.Name != EventTaskDeleted || string(back.Data) != `"t1"` {
		t.Fatalf("unexpected decoded event %+v %v", back, err)
	}
	if _, err := DecodeEvent([]byte(`{"data":1}`)); !IsValidation(err) {
		t.Fatalf("expected validation error for nameless frame")
	}
}
