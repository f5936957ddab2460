package run

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/orderly/orderly/internal/mocks"
	"github.com/orderly/orderly/pkg/backend/httpjson"
	"github.com/orderly/orderly/pkg/logger"
	"github.com/orderly/orderly/pkg/pipeline"
	"github.com/orderly/orderly/pkg/publish"
)

func TestParsePlan(t *testing.T) {
	plan, err := ParsePlan([]byte(`
name: products
url: http://shop.test/products
items: products
filter: item.price >= 10
fields:
  name: name
  price: price
retries: 4
backoff: 250ms
follow:
  link: link
  exclusive: true
  fields:
    sku: sku
`))
	require.NoError(t, err)
	require.Equal(t, "products", plan.Name)
	require.Equal(t, "http://shop.test/products", plan.URL)
	require.Equal(t, map[string]string{"name": "name", "price": "price"}, plan.Fields)
	require.Equal(t, 4, *plan.Retries)
	require.Equal(t, "250ms", plan.Backoff)
	require.NotNil(t, plan.Follow)
	require.Equal(t, "link", plan.Follow.Link)
	require.True(t, plan.Follow.Exclusive)
	require.Nil(t, plan.Follow.Retries)
	require.Nil(t, plan.Follow.Follow)
}

func TestParsePlanErrors(t *testing.T) {
	tests := []struct {
		name string
		plan string
	}{
		{name: "missing_url", plan: `items: products`},
		{name: "unknown_field", plan: "url: http://shop.test\nitemz: products"},
		{name: "follow_without_link", plan: "url: http://shop.test\nfollow:\n  fields:\n    a: b"},
		{name: "follow_with_url", plan: "url: http://shop.test\nfollow:\n  link: a\n  url: http://other.test"},
		{name: "negative_retries", plan: "url: http://shop.test\nretries: -1"},
		{name: "invalid_backoff", plan: "url: http://shop.test\nbackoff: soon"},
		{name: "not_yaml", plan: "url: [http://shop.test"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := ParsePlan([]byte(test.plan))
			require.ErrorIs(t, err, ErrInvalidPlan)
		})
	}
}

func TestBuildRejectsInvalidFilter(t *testing.T) {
	plan, err := ParsePlan([]byte("url: http://shop.test\nfilter: 'item.price >'"))
	require.NoError(t, err)

	_, err = plan.Build(nil, publish.ListenerFunc[Record](func(Record) {}), StepDefaults{})
	require.ErrorIs(t, err, pipeline.ErrInvalidFilter)
}

func TestBuildAppliesStepDefaults(t *testing.T) {
	plan, err := ParsePlan([]byte("url: http://shop.test\nfollow:\n  link: link\n  retries: 0\n  backoff: 1s"))
	require.NoError(t, err)
	require.Nil(t, plan.Retries)
	require.Empty(t, plan.Backoff)
	require.NotNil(t, plan.Follow.Retries)

	root, err := plan.Build(nil, publish.ListenerFunc[Record](func(Record) {}), StepDefaults{Retries: 3, Backoff: time.Second / 2})
	require.NoError(t, err)

	props := root.Properties()
	require.True(t, props.OutboundIO)
	require.Equal(t, 3, props.Retries)
	require.Equal(t, time.Second/2, props.Backoff)

	follow := root.(*pipeline.Fetch).Next.(*pipeline.ForEach).Next.(*pipeline.Sequence).Steps[0]
	require.Equal(t, 0, follow.Properties().Retries)
	require.Equal(t, time.Second, follow.Properties().Backoff)
}

func TestPlanRunsAgainstBackend(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)
	b.EXPECT().Fetch(gomock.Any(), "http://shop.test/list").Return(httpjson.Parse([]byte(`{"items": [
		{"name": "anvil", "price": 120, "tags": ["heavy"]},
		{"name": "bolt"}
	]}`)), nil)

	plan, err := ParsePlan([]byte(`
url: http://shop.test/list
items: items
fields:
  name: name
  price: price
  tags: tags
`))
	require.NoError(t, err)

	var out bytes.Buffer
	w := newJSONLinesWriter(&out, logger.NewNoopLogger())
	root, err := plan.Build(b, w, StepDefaults{})
	require.NoError(t, err)

	_, err = pipeline.NewRunner().Run(context.Background(), root, pipeline.Input{})
	require.NoError(t, err)

	require.Equal(t, 2, w.Written())
	require.Equal(t,
		`{"stage":"stage-0","url":"http://shop.test/list","fields":{"name":"anvil","price":120,"tags":["heavy"]}}`+"\n"+
			`{"stage":"stage-0","url":"http://shop.test/list","fields":{"name":"bolt"}}`+"\n",
		out.String(),
	)
}
