package domain

import (
	"bytes"

	"github.com/bytedance/sonic"
)

// AttachmentKind tags how an attachment arrived on the wire.
type AttachmentKind int

const (
	AttachmentString AttachmentKind = iota + 1
	AttachmentObject
)

// AttachmentRef is an attachment as sent by a client: either a bare URL
// string or an object carrying a url plus display metadata. Only the URL is
// ever persisted.
type AttachmentRef struct {
	Kind     AttachmentKind
	URL      string
	Name     string
	Size     float64
	MIMEType string
}

type attachmentObject struct {
	URL  string  `json:"url"`
	Name string  `json:"name,omitempty"`
	Size float64 `json:"size,omitempty"`
	Type string  `json:"type,omitempty"`
}

func (a *AttachmentRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return &ValidationError{Field: "attachments", Reason: "empty attachment"}
	}
	switch data[0] {
	case '"':
		var url string
		if err := sonic.Unmarshal(data, &url); err != nil {
			return &ValidationError{Field: "attachments", Reason: err.Error()}
		}
		*a = AttachmentRef{Kind: AttachmentString, URL: url}
	case '{':
		var obj attachmentObject
		if err := sonic.Unmarshal(data, &obj); err != nil {
			return &ValidationError{Field: "attachments", Reason: err.Error()}
		}
		*a = AttachmentRef{Kind: AttachmentObject, URL: obj.URL, Name: obj.Name, Size: obj.Size, MIMEType: obj.Type}
	default:
		return &ValidationError{Field: "attachments", Reason: "attachment must be a url string or an object with a url"}
	}
	if a.URL == "" {
		return &ValidationError{Field: "attachments", Reason: "attachment without url"}
	}
	return nil
}

func (a AttachmentRef) MarshalJSON() ([]byte, error) {
	if a.Kind == AttachmentObject {
		return sonic.Marshal(attachmentObject{URL: a.URL, Name: a.Name, Size: a.Size, Type: a.MIMEType})
	}
	return sonic.Marshal(a.URL)
}

// AttachmentURLs reduces refs to their canonical URL-only form.
func AttachmentURLs(refs []AttachmentRef) []string {
	urls := make([]string, 0, len(refs))
	for _, r := range refs {
		urls = append(urls, r.URL)
	}
	return urls
}
