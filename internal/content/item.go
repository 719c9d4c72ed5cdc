package content

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the variant of a ContentItem.
type Kind string

const (
	KindParagraph Kind = "paragraph"
	KindImage     Kind = "image"
	KindVideo     Kind = "video"
	KindAudio     Kind = "audio"
	KindMixed     Kind = "mixed"
)

// kindTable is what the content scraper emits for table cells; it is
// decoded as KindMixed.
const kindTable = "table"

// ContentItem is one block of task content. Which fields are set depends
// on Kind: Text for paragraphs, URL for media, Title for audio metadata,
// Items for mixed blocks.
type ContentItem struct {
	Kind  Kind
	Text  string
	URL   string
	Title string
	Items []ContentItem
}

type wireItem struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
	Title   string          `json:"title,omitempty"`
}

func (c *ContentItem) UnmarshalJSON(b []byte) error {
	var w wireItem
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	item := ContentItem{Kind: Kind(w.Type), Title: w.Title}
	switch w.Type {
	case string(KindParagraph):
		s, err := decodeString(w.Content)
		if err != nil {
			return fmt.Errorf("paragraph: %w", err)
		}
		item.Text = s
	case string(KindImage), string(KindVideo), string(KindAudio):
		s, err := decodeString(w.Content)
		if err != nil {
			return fmt.Errorf("%s: %w", w.Type, err)
		}
		item.URL = s
	case string(KindMixed), kindTable:
		item.Kind = KindMixed
		if len(w.Content) > 0 {
			if err := json.Unmarshal(w.Content, &item.Items); err != nil {
				return fmt.Errorf("%s: %w", w.Type, err)
			}
		}
	default:
		return fmt.Errorf("unknown content type %q", w.Type)
	}

	*c = item
	return nil
}

func (c ContentItem) MarshalJSON() ([]byte, error) {
	w := wireItem{Type: string(c.Kind), Title: c.Title}
	var (
		raw []byte
		err error
	)
	switch c.Kind {
	case KindParagraph:
		raw, err = json.Marshal(c.Text)
	case KindMixed:
		items := c.Items
		if items == nil {
			items = []ContentItem{}
		}
		raw, err = json.Marshal(items)
	default:
		raw, err = json.Marshal(c.URL)
	}
	if err != nil {
		return nil, err
	}
	w.Content = raw
	return json.Marshal(w)
}

func decodeString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}

// decodeItems decodes a task's content array.
func decodeItems(raw json.RawMessage) ([]ContentItem, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var items []ContentItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	return items, nil
}
