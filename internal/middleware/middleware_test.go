package middleware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/yelp/casper/internal/model"
)

type recordingMiddleware struct {
	Base
	name         string
	shortCircuit *model.Response
	onRequestErr error
	trace        *[]string
}

func (m *recordingMiddleware) Name() string { return m.name }

func (m *recordingMiddleware) OnRequest(_ context.Context, _ *model.RequestContext) (*model.Response, error) {
	*m.trace = append(*m.trace, m.name+":on_request")
	if m.onRequestErr != nil {
		return nil, m.onRequestErr
	}
	return m.shortCircuit, nil
}

func (m *recordingMiddleware) OnResponse(_ context.Context, _ *model.RequestContext, _ *model.Response) error {
	*m.trace = append(*m.trace, m.name+":on_response")
	return nil
}

func (m *recordingMiddleware) AfterResponse(_ context.Context, _ *model.RequestContext, _ *model.Response) {
	*m.trace = append(*m.trace, m.name+":after_response")
}

func TestChainRunFullPipeline(t *testing.T) {
	var trace []string
	a := &recordingMiddleware{name: "a", trace: &trace}
	b := &recordingMiddleware{name: "b", trace: &trace}
	chain := NewChain(zap.NewNop(), a, b)

	upstreamResp := &model.Response{Status: 200, IsProxied: true}
	resp, ran := chain.Run(context.Background(), &model.RequestContext{}, func(context.Context, *model.RequestContext) *model.Response {
		trace = append(trace, "upstream")
		return upstreamResp
	})

	assert.Same(t, upstreamResp, resp)
	assert.Equal(t, 2, ran)
	assert.Equal(t, []string{"a:on_request", "b:on_request", "upstream", "b:on_response", "a:on_response"}, trace)

	chain.RunAfterResponse(context.Background(), &model.RequestContext{}, resp, ran)
	assert.Equal(t, []string{
		"a:on_request", "b:on_request", "upstream", "b:on_response", "a:on_response",
		"a:after_response", "b:after_response",
	}, trace)
}

func TestChainShortCircuitSkipsDownstreamOnRequest(t *testing.T) {
	var trace []string
	shortCircuited := &model.Response{Status: 403}
	a := &recordingMiddleware{name: "a", trace: &trace, shortCircuit: shortCircuited}
	b := &recordingMiddleware{name: "b", trace: &trace}
	chain := NewChain(zap.NewNop(), a, b)

	resp, ran := chain.Run(context.Background(), &model.RequestContext{}, func(context.Context, *model.RequestContext) *model.Response {
		t.Fatal("upstream must not be invoked after a short-circuit")
		return nil
	})

	assert.Same(t, shortCircuited, resp)
	assert.Equal(t, 1, ran)
	assert.Equal(t, []string{"a:on_request", "a:on_response"}, trace)

	// AfterResponse still runs for every middleware whose on_request ran,
	// even though b's on_request never ran.
	chain.RunAfterResponse(context.Background(), &model.RequestContext{}, resp, ran)
	assert.Equal(t, []string{"a:on_request", "a:on_response", "a:after_response"}, trace)
}

type panickingMiddleware struct{ Base }

func (panickingMiddleware) Name() string { return "panicker" }
func (panickingMiddleware) OnRequest(context.Context, *model.RequestContext) (*model.Response, error) {
	panic("boom")
}

func TestChainOnRequestPanicRecovered(t *testing.T) {
	chain := NewChain(zap.NewNop(), panickingMiddleware{})

	resp, ran := chain.Run(context.Background(), &model.RequestContext{}, func(context.Context, *model.RequestContext) *model.Response {
		t.Fatal("upstream must not be invoked once a middleware panics")
		return nil
	})

	assert.Equal(t, 500, resp.Status)
	assert.Equal(t, 1, ran)
}

func TestFilterRegistryLookup(t *testing.T) {
	reg := NewFilterRegistry()
	assert.Nil(t, reg.Lookup("anything"))
	assert.Nil(t, reg.Lookup(""))
}
