package crawl

import (
	"encoding/json"
)

// CursorState is the per-platform resumable progress blob. Three disjoint
// cursor spaces: a global feed cursor, a per-search-term map, and a per-tag
// map. A nil map value means the term was exhausted this tick and restarts
// from the newest page next tick.
type CursorState struct {
	Feed   *string            `json:"feed,omitempty"`
	Search map[string]*string `json:"search,omitempty"`
	Tags   map[string]*string `json:"tags,omitempty"`
}

// ParseCursor decodes a stored cursor blob. A null or empty blob yields a
// zero state.
func ParseCursor(raw json.RawMessage) (CursorState, error) {
	var state CursorState
	if len(raw) == 0 || string(raw) == "null" {
		return state, nil
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return CursorState{}, err
	}
	return state, nil
}

// Encode serializes the state for persistence. An entirely empty state
// serializes as null.
func (c CursorState) Encode() (json.RawMessage, error) {
	if c.Feed == nil && len(c.Search) == 0 && len(c.Tags) == 0 {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(c)
}

// PruneExhausted drops null-valued keys so exhausted terms restart from the
// newest page. Applied to the previous tick's state before crawling; the
// nulls were only retained to report tag-exhaustion counts.
func (c CursorState) PruneExhausted() CursorState {
	return CursorState{
		Feed:   c.Feed,
		Search: pruneMap(c.Search),
		Tags:   pruneMap(c.Tags),
	}
}

func pruneMap(m map[string]*string) map[string]*string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]*string, len(m))
	for k, v := range m {
		if v != nil {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Merge folds this tick's result cursors into the previous state. Incoming
// entries overwrite; entries absent from the update are preserved so a term
// the provider did not reach keeps its saved cursor.
func (c CursorState) Merge(update CursorState) CursorState {
	merged := CursorState{
		Feed:   c.Feed,
		Search: mergeMap(c.Search, update.Search),
		Tags:   mergeMap(c.Tags, update.Tags),
	}
	if update.Feed != nil {
		merged.Feed = update.Feed
	}
	return merged
}

func mergeMap(old, update map[string]*string) map[string]*string {
	if len(old) == 0 && len(update) == 0 {
		return nil
	}
	out := make(map[string]*string, len(old)+len(update))
	for k, v := range old {
		out[k] = v
	}
	for k, v := range update {
		out[k] = v
	}
	return out
}

// CountExhausted returns how many keys across both maps are null.
func (c CursorState) CountExhausted() int {
	n := 0
	for _, v := range c.Search {
		if v == nil {
			n++
		}
	}
	for _, v := range c.Tags {
		if v == nil {
			n++
		}
	}
	return n
}
