// Package types provides shared type definitions used across internal packages.
package types

import "encoding/json"

// Event represents a Nostr event (NIP-01)
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// TagValue returns the first value of the first tag with the given name.
func (e *Event) TagValue(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// HasTag reports whether the event carries a tag with the given name and value.
func (e *Event) HasTag(name, value string) bool {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name && tag[1] == value {
			return true
		}
	}
	return false
}

// Filter represents a Nostr subscription filter (NIP-01)
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Limit   int
	Since   *int64
	Until   *int64
	PTags   []string // #p tag filter (mentions)
	ETags   []string // #e tag filter (event references)
}

// MarshalJSON renders the filter in wire form, omitting empty fields.
func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{})
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	if f.Since != nil {
		m["since"] = *f.Since
	}
	if f.Until != nil {
		m["until"] = *f.Until
	}
	if len(f.PTags) > 0 {
		m["#p"] = f.PTags
	}
	if len(f.ETags) > 0 {
		m["#e"] = f.ETags
	}
	return json.Marshal(m)
}

// WithSince returns a copy of the filter with a different lower time bound.
func (f Filter) WithSince(since int64) Filter {
	f.Since = &since
	return f
}
