package chat

import (
	"errors"
	"testing"
)

func TestDraftValidate(t *testing.T) {
	file := &Attachment{URL: "/api/files/a.png", Name: "a.png", Size: 12, MIMEType: "image/png"}
	cases := []struct {
		name  string
		draft MessageDraft
		ok    bool
	}{
		{"text", MessageDraft{RoomID: 1, Content: "hi", Kind: KindText}, true},
		{"image with file", MessageDraft{RoomID: 1, Kind: KindImage, Attachment: file}, true},
		{"text with attachment", MessageDraft{RoomID: 1, Content: "look", Kind: KindText, Attachment: file}, true},
		{"empty", MessageDraft{RoomID: 1, Kind: KindText}, false},
		{"blank text", MessageDraft{RoomID: 1, Content: "  \n", Kind: KindText}, false},
		{"image without file", MessageDraft{RoomID: 1, Content: "caption", Kind: KindImage}, false},
		{"partial file", MessageDraft{RoomID: 1, Kind: KindDocument, Attachment: &Attachment{URL: "/api/files/x"}}, false},
		{"negative size", MessageDraft{RoomID: 1, Kind: KindDocument, Attachment: &Attachment{URL: "u", Name: "n", Size: -1, MIMEType: "m"}}, false},
		{"no room", MessageDraft{Content: "hi", Kind: KindText}, false},
		{"bad kind", MessageDraft{RoomID: 1, Content: "hi", Kind: "sticker"}, false},
	}
	for _, tc := range cases {
		err := tc.draft.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: Validate() error = %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidMessage) {
			t.Errorf("%s: Validate() error = %v, want ErrInvalidMessage", tc.name, err)
		}
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind(""); err != nil || k != KindText {
		t.Fatalf("ParseKind(\"\") = %q, %v", k, err)
	}
	if k, err := ParseKind("Video"); err != nil || k != KindVideo {
		t.Fatalf("ParseKind(Video) = %q, %v", k, err)
	}
	if _, err := ParseKind("text_with_image"); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("ParseKind(text_with_image) error = %v", err)
	}
}

func TestNormalizeFileURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8000/api/files/abc.png":       "/api/files/abc.png",
		"https://chat.example.com/api/files/x.pdf?dl=1": "/api/files/x.pdf",
		"/api/files/abc.png":                            "/api/files/abc.png",
		"https://cdn.example.com/other/abc.png":         "https://cdn.example.com/other/abc.png",
		"":                                              "",
	}
	for in, want := range cases {
		if got := NormalizeFileURL(in); got != want {
			t.Errorf("NormalizeFileURL(%q) = %q, want %q", in, got, want)
		}
	}
}
