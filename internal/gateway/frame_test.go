package gateway

import (
	"encoding/json"
	"testing"
)

func TestNewRequestFrame(t *testing.T) {
	frame, err := newRequestFrame("id-1", MethodChatSend, map[string]string{"sessionKey": "s1"})
	if err != nil {
		t.Fatalf("newRequestFrame: %v", err)
	}
	if frame.Type != FrameTypeRequest || frame.ID != "id-1" || frame.Method != MethodChatSend {
		t.Fatalf("frame = %+v", frame)
	}
	var params map[string]string
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		t.Fatalf("params: %v", err)
	}
	if params["sessionKey"] != "s1" {
		t.Fatalf("params = %v", params)
	}
}

func TestNewRequestFrameNilParams(t *testing.T) {
	frame, err := newRequestFrame("id-1", MethodConnect, nil)
	if err != nil {
		t.Fatalf("newRequestFrame: %v", err)
	}
	if frame.Params != nil {
		t.Fatalf("params = %s, want omitted", frame.Params)
	}
}

func TestTextContent(t *testing.T) {
	body := &ChatMessageBody{Content: []ContentItem{
		{Type: "text", Text: "Hello"},
		{Type: "image"},
		{Type: "text", Text: " world"},
	}}
	text, ok := textContent(body)
	if !ok || text != "Hello world" {
		t.Fatalf("text = %q, ok = %v", text, ok)
	}

	if _, ok := textContent(nil); ok {
		t.Fatal("nil body reported text")
	}
	if _, ok := textContent(&ChatMessageBody{Content: []ContentItem{{Type: "image"}}}); ok {
		t.Fatal("image-only body reported text")
	}
}

func TestErrorMessage(t *testing.T) {
	f := Frame{Error: &FrameError{Message: "nope"}}
	if f.errorMessage() != "nope" {
		t.Fatalf("message = %q", f.errorMessage())
	}
	if (Frame{}).errorMessage() != "" {
		t.Fatal("missing error produced a message")
	}
}
