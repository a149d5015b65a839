package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ItemType is the variant tag carried by every item.
type ItemType string

const (
	TypeStory   ItemType = "story"
	TypeComment ItemType = "comment"
	TypeJob     ItemType = "job"
	TypePoll    ItemType = "poll"
	TypePollOpt ItemType = "pollopt"
	TypeUnknown ItemType = "unknown"
)

// ParseItemType maps a source type string to an ItemType.
// Anything unrecognised, including the empty string, is TypeUnknown.
func ParseItemType(s string) ItemType {
	switch t := ItemType(s); t {
	case TypeStory, TypeComment, TypeJob, TypePoll, TypePollOpt:
		return t
	default:
		return TypeUnknown
	}
}

// FetchStatus records how an item's ID was resolved.
type FetchStatus string

const (
	FetchOK        FetchStatus = "ok"
	FetchTombstone FetchStatus = "tombstone" // Source returned null
)

// Item is one stored ID. Only ID and Type are guaranteed; everything else the
// source sent lives in Payload and varies by Type.
type Item struct {
	ID          int64       `gorm:"primaryKey;autoIncrement:false"`
	Type        ItemType    `gorm:"index;size:20;not null"`
	Payload     Payload     `gorm:"column:raw_payload;serializer:json"`
	Kids        []int64     `gorm:"serializer:json"`
	Parent      *int64      `gorm:"index"`
	FetchStatus FetchStatus `gorm:"index;size:20;not null"`
	FetchedAt   time.Time
}

// ItemKid is one parent→child edge, kept in its own table so the direct
// descendants of an item can be looked up as a set.
type ItemKid struct {
	ItemID   int64 `gorm:"primaryKey;autoIncrement:false"`
	KidID    int64 `gorm:"primaryKey;autoIncrement:false;index"`
	Position int   `gorm:"not null"`
}

// Tombstone builds the marker stored for an ID the source reports as null.
func Tombstone(id int64) *Item {
	return &Item{
		ID:          id,
		Type:        TypeUnknown,
		FetchStatus: FetchTombstone,
		FetchedAt:   time.Now().UTC(),
	}
}

// DecodeItem parses one JSON object from the source into an Item.
// A body of "null" yields a tombstone for want.
func DecodeItem(want int64, body []byte) (*Item, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return Tombstone(want), nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode item %d: %w", want, err)
	}
	if p == nil {
		return Tombstone(want), nil
	}

	id, ok := p.GetInt("id")
	if !ok {
		return nil, fmt.Errorf("decode item %d: missing id", want)
	}
	if id != want {
		return nil, fmt.Errorf("decode item %d: source returned id %d", want, id)
	}

	typ, _ := p.GetString("type")
	item := &Item{
		ID:          id,
		Type:        ParseItemType(typ),
		Payload:     p,
		FetchStatus: FetchOK,
		FetchedAt:   time.Now().UTC(),
	}
	if kids, ok := p.GetInts("kids"); ok {
		item.Kids = kids
	}
	if parent, ok := p.GetInt("parent"); ok {
		item.Parent = &parent
	}
	return item, nil
}

// Payload is the per-variant bag of optional fields. Values come from JSON
// decoding, so numbers may be json.Number (fresh) or float64 (read back from
// the store); the accessors handle both.
type Payload map[string]any

// GetString returns a string field.
func (p Payload) GetString(key string) (string, bool) {
	v, ok := p[key].(string)
	return v, ok
}

// GetInt returns an integer field.
func (p Payload) GetInt(key string) (int64, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	return toInt64(v)
}

// GetBool returns a boolean field.
func (p Payload) GetBool(key string) (bool, bool) {
	v, ok := p[key].(bool)
	return v, ok
}

// GetInts returns a list of integers, e.g. kids or parts.
func (p Payload) GetInts(key string) ([]int64, bool) {
	raw, ok := p[key].([]any)
	if !ok {
		return nil, false
	}
	out := make([]int64, 0, len(raw))
	for _, v := range raw {
		n, ok := toInt64(v)
		if !ok {
			return nil, false
		}
		out = append(out, n)
	}
	return out, true
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case float64:
		return int64(n), n == float64(int64(n))
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// By is the author's username.
func (i *Item) By() (string, bool) { return i.Payload.GetString("by") }

// Time is the creation time as reported by the source.
func (i *Item) Time() (time.Time, bool) {
	sec, ok := i.Payload.GetInt("time")
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(sec, 0).UTC(), true
}

// Title is set on stories, polls and jobs.
func (i *Item) Title() (string, bool) { return i.Payload.GetString("title") }

// Text is the HTML body of comments, asks and jobs.
func (i *Item) Text() (string, bool) { return i.Payload.GetString("text") }

// URL is the link of a story.
func (i *Item) URL() (string, bool) { return i.Payload.GetString("url") }

// Score is the story or pollopt score.
func (i *Item) Score() (int64, bool) { return i.Payload.GetInt("score") }

// Descendants is the total comment count of a story or poll.
func (i *Item) Descendants() (int64, bool) { return i.Payload.GetInt("descendants") }

// Parts lists the pollopts of a poll.
func (i *Item) Parts() ([]int64, bool) { return i.Payload.GetInts("parts") }

// Poll is the poll a pollopt belongs to.
func (i *Item) Poll() (int64, bool) { return i.Payload.GetInt("poll") }

// Deleted reports the source's deleted flag.
func (i *Item) Deleted() bool {
	v, _ := i.Payload.GetBool("deleted")
	return v
}

// Dead reports the source's dead flag.
func (i *Item) Dead() bool {
	v, _ := i.Payload.GetBool("dead")
	return v
}
