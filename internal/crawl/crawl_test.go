package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/madeofus/scanner/internal/errs"
	"github.com/madeofus/scanner/internal/store"
)

func strptr(s string) *string { return &s }

func TestCursorRoundTrip(t *testing.T) {
	state := CursorState{
		Feed: strptr("feed-cursor-9"),
		Search: map[string]*string{
			"portrait": strptr("p-17"),
			"selfie":   nil,
		},
		Tags: map[string]*string{
			"deepfake": strptr("t-3"),
		},
	}

	raw, err := state.Encode()
	require.NoError(t, err)

	parsed, err := ParseCursor(raw)
	require.NoError(t, err)
	assert.Equal(t, state.Feed, parsed.Feed)
	assert.Equal(t, state.Search, parsed.Search)
	assert.Equal(t, state.Tags, parsed.Tags)
}

func TestCursorEmptyEncodesAsNull(t *testing.T) {
	raw, err := CursorState{}.Encode()
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))

	parsed, err := ParseCursor(raw)
	require.NoError(t, err)
	assert.Nil(t, parsed.Feed)
	assert.Empty(t, parsed.Search)
	assert.Empty(t, parsed.Tags)
}

func TestParseCursorTolerates(t *testing.T) {
	for _, blob := range []string{"", "null"} {
		parsed, err := ParseCursor(json.RawMessage(blob))
		require.NoError(t, err)
		assert.Empty(t, parsed.Tags)
	}

	_, err := ParseCursor(json.RawMessage(`{broken`))
	assert.Error(t, err)
}

func TestPruneExhaustedRestartsTerms(t *testing.T) {
	state := CursorState{
		Search: map[string]*string{
			"a": strptr("cur-a"),
			"b": nil,
		},
		Tags: map[string]*string{
			"x": nil,
			"y": nil,
		},
	}

	pruned := state.PruneExhausted()
	assert.Equal(t, map[string]*string{"a": strptr("cur-a")}, pruned.Search)
	assert.Nil(t, pruned.Tags, "fully exhausted map resets so every tag restarts from newest")

	// The original keeps its nulls for exhaustion accounting.
	assert.Equal(t, 3, state.CountExhausted())
	assert.Equal(t, 0, pruned.CountExhausted())
}

func TestMergePreservesUnreachedTerms(t *testing.T) {
	prev := CursorState{
		Feed: strptr("f-1"),
		Tags: map[string]*string{
			"alpha": strptr("a-1"),
			"beta":  strptr("b-1"),
			"gamma": strptr("g-1"),
		},
	}
	update := CursorState{
		Tags: map[string]*string{
			"alpha": strptr("a-2"),
			"beta":  nil,
		},
	}

	merged := prev.Merge(update)
	assert.Equal(t, strptr("f-1"), merged.Feed)
	assert.Equal(t, strptr("a-2"), merged.Tags["alpha"])
	assert.Nil(t, merged.Tags["beta"])
	assert.Equal(t, strptr("g-1"), merged.Tags["gamma"], "terms absent from the update keep their saved cursor")
	assert.Equal(t, 1, merged.CountExhausted())
}

func TestMergeFeedUpdate(t *testing.T) {
	prev := CursorState{Feed: strptr("old")}
	merged := prev.Merge(CursorState{Feed: strptr("new")})
	assert.Equal(t, strptr("new"), merged.Feed)

	merged = prev.Merge(CursorState{})
	assert.Equal(t, strptr("old"), merged.Feed)
}

func TestTraverseTermsWalksDepth(t *testing.T) {
	pages := map[string][]Page{
		"cats": {
			{Images: []store.NewDiscoveredImage{{SourceURL: "c1"}}, NextCursor: strptr("c-p2")},
			{Images: []store.NewDiscoveredImage{{SourceURL: "c2"}}, NextCursor: strptr("c-p3")},
			{Images: []store.NewDiscoveredImage{{SourceURL: "c3"}}, NextCursor: strptr("c-p4")},
		},
		"dogs": {
			{Images: []store.NewDiscoveredImage{{SourceURL: "d1"}}, NextCursor: nil},
		},
	}
	calls := map[string]int{}
	fetch := func(ctx context.Context, term string, cursor *string) (*Page, error) {
		p := pages[term][calls[term]]
		calls[term]++
		return &p, nil
	}

	images, cursors, err := TraverseTerms(context.Background(), "civitai",
		[]string{"cats", "dogs"}, nil, func(string) int { return 3 }, fetch)
	require.NoError(t, err)

	assert.Len(t, images, 4)
	assert.Equal(t, 3, calls["cats"], "depth bound honored")
	assert.Equal(t, strptr("c-p4"), cursors["cats"])

	exhausted, ok := cursors["dogs"]
	assert.True(t, ok)
	assert.Nil(t, exhausted, "exhausted term records a null cursor")
}

func TestTraverseTermsResumesFromSavedCursor(t *testing.T) {
	var gotCursor *string
	fetch := func(ctx context.Context, term string, cursor *string) (*Page, error) {
		gotCursor = cursor
		return &Page{NextCursor: nil}, nil
	}

	saved := map[string]*string{"cats": strptr("resume-here")}
	_, _, err := TraverseTerms(context.Background(), "civitai",
		[]string{"cats"}, saved, func(string) int { return 1 }, fetch)
	require.NoError(t, err)
	assert.Equal(t, strptr("resume-here"), gotCursor)
}

func TestTraverseTermsCircuitOpenAbortsMidTick(t *testing.T) {
	openErr := errs.New(errs.KindCircuitOpen, "fetch", "civitai", errors.New("breaker open"))
	fetched := []string{}
	fetch := func(ctx context.Context, term string, cursor *string) (*Page, error) {
		fetched = append(fetched, term)
		switch term {
		case "one", "two":
			return &Page{Images: []store.NewDiscoveredImage{{SourceURL: term}}, NextCursor: nil}, nil
		default:
			return nil, openErr
		}
	}

	saved := map[string]*string{"three": strptr("t3-saved")}
	images, cursors, err := TraverseTerms(context.Background(), "civitai",
		[]string{"one", "two", "three", "four"}, saved, func(string) int { return 2 }, fetch)

	require.Error(t, err)
	assert.True(t, errs.IsCircuitOpen(err))

	// Terms one and two finished and recorded exhaustion before the abort.
	assert.Len(t, images, 2)
	assert.Contains(t, cursors, "one")
	assert.Contains(t, cursors, "two")

	// The failing term keeps its saved cursor and the remaining term was
	// never attempted.
	_, touched := cursors["three"]
	assert.False(t, touched)
	assert.Equal(t, []string{"one", "two", "three"}, fetched)
}

func TestTraverseTermsNonFatalErrorContinues(t *testing.T) {
	fetch := func(ctx context.Context, term string, cursor *string) (*Page, error) {
		if term == "flaky" {
			return nil, errors.New("503 from upstream")
		}
		return &Page{Images: []store.NewDiscoveredImage{{SourceURL: term}}, NextCursor: nil}, nil
	}

	images, cursors, err := TraverseTerms(context.Background(), "deviantart",
		[]string{"flaky", "steady"}, map[string]*string{"flaky": strptr("keep-me")},
		func(string) int { return 1 }, fetch)
	require.NoError(t, err)

	assert.Len(t, images, 1)
	_, touched := cursors["flaky"]
	assert.False(t, touched, "failed term leaves its saved cursor alone")
	assert.Contains(t, cursors, "steady")
}

func TestTraverseTermsMidTermErrorDoesNotAdvance(t *testing.T) {
	call := 0
	fetch := func(ctx context.Context, term string, cursor *string) (*Page, error) {
		call++
		if call == 1 {
			return &Page{NextCursor: strptr("page-2")}, nil
		}
		return nil, errors.New("timeout on page 2")
	}

	_, cursors, err := TraverseTerms(context.Background(), "civitai",
		[]string{"tag"}, map[string]*string{"tag": strptr("saved")},
		func(string) int { return 3 }, fetch)
	require.NoError(t, err)

	// Page one succeeded but the term failed mid-traversal, so next tick
	// resumes from the saved cursor rather than half-way progress.
	_, touched := cursors["tag"]
	assert.False(t, touched)
}

func TestExhaustionRestartAcrossTicks(t *testing.T) {
	// Tick 1 exhausts the tag.
	tick1 := CursorState{}.Merge(CursorState{Tags: map[string]*string{"hot": nil}})
	raw, err := tick1.Encode()
	require.NoError(t, err)
	assert.Equal(t, 1, tick1.CountExhausted())

	// Tick 2 loads, prunes, and the tag is crawled from scratch again.
	loaded, err := ParseCursor(raw)
	require.NoError(t, err)
	pruned := loaded.PruneExhausted()
	_, present := pruned.Tags["hot"]
	assert.False(t, present)
}
