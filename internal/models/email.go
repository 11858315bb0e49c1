package models

// Folder is a mailbox on the store.
type Folder struct {
	Name string `json:"name"`
}

// Message is the canonical, fully populated view of one stored message.
// Missing source data is replaced by fixed fallbacks, so no field is ever empty.
type Message struct {
	ID      uint32 `json:"id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Date    string `json:"date"`
	Body    string `json:"body"`
	IsRead  bool   `json:"isRead"`
}

// Attachment is a single uploaded file sent along with a message or draft.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"-"`
}

// DraftInput is the caller-provided content of a draft.
type DraftInput struct {
	To         string
	Subject    string
	Body       string
	Attachment *Attachment
}

// DraftHandle identifies a draft by its correlation id (the Message-ID header),
// which survives every delete-and-recreate cycle.
type DraftHandle struct {
	CorrelationID string   `json:"draftId"`
	To            string   `json:"to"`
	Subject       string   `json:"subject"`
	Body          string   `json:"body"`
	Attachments   []string `json:"attachments,omitempty"`
}
