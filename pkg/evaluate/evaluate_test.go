package evaluate

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/mocks"
	"foreman/pkg/driver"
	"foreman/pkg/state"
)

func items(ids ...int) []state.FeedbackItem {
	out := make([]state.FeedbackItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, state.FeedbackItem{ID: id, Description: "item"})
	}
	return out
}

func respond(t *testing.T, d *mocks.MockDriver, body string) {
	t.Helper()
	d.OnGenerate(func(_ context.Context, req driver.GenerateRequest) (driver.GenerateResult, error) {
		raw, err := req.Schema.Validate([]byte(body))
		if err != nil {
			return driver.GenerateResult{}, err
		}
		return driver.GenerateResult{Output: body, Structured: raw}, nil
	})
}

func ids(list []state.EvaluatedItem) []int {
	out := make([]int, 0, len(list))
	for _, item := range list {
		out = append(out, item.ID)
	}
	return out
}

func TestEvaluateNoItemsSkipsBackend(t *testing.T) {
	d := mocks.NewMockDriver("fake")
	res, err := New(d).Evaluate(context.Background(), Input{Goal: "g"})
	require.NoError(t, err)
	assert.Zero(t, res.Total())
	assert.Empty(t, d.GenerateCalls)
}

func TestEvaluatePartitions(t *testing.T) {
	d := mocks.NewMockDriver("fake")
	respond(t, d, `{"evaluations":[
		{"id":1,"disposition":"implement","reason":"real bug"},
		{"id":2,"disposition":"reject"},
		{"id":3,"disposition":"defer"},
		{"id":4,"disposition":"clarify"},
		{"id":1,"disposition":"reject","reason":"duplicate ignored"},
		{"id":99,"disposition":"implement"}
	],"summary":"mixed"}`)

	res, err := New(d).Evaluate(context.Background(), Input{Goal: "g", Diff: "+x", Items: items(1, 2, 3, 4, 5)})
	require.NoError(t, err)

	assert.Equal(t, []int{1}, ids(res.ImplementItems))
	assert.Equal(t, "real bug", res.ImplementItems[0].Reason)
	assert.Equal(t, []int{2}, ids(res.RejectedItems))
	assert.Equal(t, []int{3}, ids(res.DeferredItems))
	assert.Equal(t, []int{4, 5}, ids(res.ClarifyItems))
	assert.Equal(t, missingReason, res.ClarifyItems[1].Reason)
	assert.Equal(t, 5, res.Total())
	assert.Equal(t, "mixed", res.Summary)

	require.Len(t, d.GenerateCalls, 1)
	assert.Same(t, Schema, d.GenerateCalls[0].Schema)
}

func TestEvaluateTruncatesDiff(t *testing.T) {
	d := mocks.NewMockDriver("fake")
	respond(t, d, `{"evaluations":[]}`)

	diff := strings.Repeat("+ some added line\n", 2000)
	res, err := New(d, WithDiffTokenBudget(100)).Evaluate(context.Background(), Input{Diff: diff, Items: items(7)})
	require.NoError(t, err)
	assert.Equal(t, []int{7}, ids(res.ClarifyItems))

	prompt := d.GenerateCalls[0].Prompt
	assert.Less(t, len(prompt), len(diff))
	assert.Contains(t, prompt, "[truncated]")
}

func TestEvaluateBackendError(t *testing.T) {
	d := mocks.NewMockDriver("fake")
	d.OnGenerate(func(context.Context, driver.GenerateRequest) (driver.GenerateResult, error) {
		return driver.GenerateResult{}, &driver.ModelProviderError{Provider: "fake", Kind: driver.KindAuth, Message: "bad key"}
	})
	_, err := New(d).Evaluate(context.Background(), Input{Items: items(1)})
	var perr *driver.ModelProviderError
	assert.True(t, errors.As(err, &perr))
}

func TestPartitionProperty(t *testing.T) {
	dispositions := []string{"implement", "reject", "defer", "clarify", "bogus"}
	for n := 1; n <= 12; n++ {
		var resp response
		for i := 1; i <= n; i++ {
			if i%4 == 0 {
				continue
			}
			entry := struct {
				ID          int    `json:"id"`
				Disposition string `json:"disposition"`
				Reason      string `json:"reason"`
			}{ID: i, Disposition: dispositions[i%len(dispositions)]}
			resp.Evaluations = append(resp.Evaluations, entry)
		}
		res := partition(items(seq(n)...), resp)
		assert.Equal(t, n, res.Total(), "n=%d", n)

		seen := map[int]int{}
		for _, bucket := range [][]state.EvaluatedItem{res.ImplementItems, res.RejectedItems, res.DeferredItems, res.ClarifyItems} {
			for _, item := range bucket {
				seen[item.ID]++
			}
		}
		for i := 1; i <= n; i++ {
			assert.Equal(t, 1, seen[i], "item %d placed once", i)
		}
	}
}

func TestResponseDecoding(t *testing.T) {
	var resp response
	require.NoError(t, json.Unmarshal([]byte(`{"evaluations":[{"id":3,"disposition":"defer","reason":"later"}]}`), &resp))
	res := partition(items(3), resp)
	assert.Equal(t, []int{3}, ids(res.DeferredItems))
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}
