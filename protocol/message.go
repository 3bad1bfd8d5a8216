package protocol

type AttachmentKind string

const (
	KindImage AttachmentKind = "image"
	KindVideo AttachmentKind = "video"
)

// Attachment is a media file already hosted remotely.
type Attachment struct {
	Kind AttachmentKind `json:"kind"`
	URL  string         `json:"url"`
}

// Message is a chat message as relayed by the server. ID is assigned by the
// server and unique within a room. Timestamp is the sender's clock and is
// display metadata only.
type Message struct {
	ID        string         `json:"id"`
	Sender    string         `json:"sender"`
	Text      string         `json:"text"`
	Timestamp string         `json:"timestamp"`
	ReplyTo   *string        `json:"replyTo,omitempty"`
	Reactions map[string]int `json:"reactions,omitempty"`
	ImageURL  string         `json:"imageUrl,omitempty"`
	VideoURL  string         `json:"videoUrl,omitempty"`
}

// Attachment returns the message media, if any. An image wins when a
// malformed message carries both.
func (m Message) Attachment() *Attachment {
	switch {
	case m.ImageURL != "":
		return &Attachment{Kind: KindImage, URL: m.ImageURL}
	case m.VideoURL != "":
		return &Attachment{Kind: KindVideo, URL: m.VideoURL}
	}
	return nil
}

// ReplyTarget returns the referenced message id, or "" when m is not a reply.
func (m Message) ReplyTarget() string {
	if m.ReplyTo == nil {
		return ""
	}
	return *m.ReplyTo
}

// Outgoing builds the send body for text with an optional attachment and
// reply target.
func Outgoing(text string, att *Attachment, replyTo string) OutgoingMessage {
	out := OutgoingMessage{Text: text}
	if replyTo != "" {
		id := replyTo
		out.ReplyTo = &id
	}
	if att != nil {
		switch att.Kind {
		case KindImage:
			out.ImageURL = att.URL
		case KindVideo:
			out.VideoURL = att.URL
		}
	}
	return out
}
