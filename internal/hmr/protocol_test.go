package hmr

import (
	"errors"
	"testing"

	"livereload/internal/classify"
)

func TestEncodeConnected(t *testing.T) {
	data, err := Encode(ConnectedMessage())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(data) != `{"type":"connected"}` {
		t.Fatalf("unexpected connected payload %s", data)
	}
}

func TestEncodeUpdate(t *testing.T) {
	message := UpdateMessage([]classify.UpdateRecord{
		{Kind: classify.KindStyle, Path: "assets/app.css", Timestamp: 1700000000000},
	})
	data, err := Encode(message)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"type":"update","updates":[{"type":"css-update","path":"assets/app.css","timestamp":1700000000000}]}`
	if string(data) != want {
		t.Fatalf("unexpected update payload\nwant %s\ngot  %s", want, data)
	}
}

func TestDecodeAcceptsReservedTypes(t *testing.T) {
	for _, payload := range []string{
		`{"type":"ping"}`,
		`{"type":"full-reload"}`,
		`{"type":"error","message":"boom"}`,
	} {
		if _, err := Decode([]byte(payload)); err != nil {
			t.Fatalf("decode %s: %v", payload, err)
		}
	}

	message, err := Decode([]byte(`{"type":"error","message":"boom"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if message.Type != MessageError || message.Message != "boom" {
		t.Fatalf("unexpected error message %+v", message)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"reticulate"}`)); !errors.Is(err, ErrUnknownMessageType) {
		t.Fatalf("expected ErrUnknownMessageType, got %v", err)
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected decode error for malformed payload")
	}
}

func TestUpdatesFromRecordsMapsKinds(t *testing.T) {
	updates := UpdatesFromRecords([]classify.UpdateRecord{
		{Kind: classify.KindScript, Path: "a.js"},
		{Kind: classify.KindStyle, Path: "b.css"},
	})
	if updates[0].Type != UpdateJS || updates[1].Type != UpdateCSS {
		t.Fatalf("unexpected update types %+v", updates)
	}
}
