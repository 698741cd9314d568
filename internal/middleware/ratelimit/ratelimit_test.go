package ratelimit

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yelp/casper/internal/model"
)

func TestDisabledByDefault(t *testing.T) {
	m := New(0, 0)
	for i := 0; i < 10; i++ {
		resp, err := m.OnRequest(context.Background(), &model.RequestContext{Destination: "biz"})
		assert.NoError(t, err)
		assert.Nil(t, resp)
	}
}

func TestBurstThenReject(t *testing.T) {
	m := New(0.0001, 2)
	rc := &model.RequestContext{Destination: "biz"}

	resp1, _ := m.OnRequest(context.Background(), rc)
	resp2, _ := m.OnRequest(context.Background(), rc)
	assert.Nil(t, resp1)
	assert.Nil(t, resp2)

	resp3, err := m.OnRequest(context.Background(), rc)
	assert.NoError(t, err)
	assert.NotNil(t, resp3)
	assert.Equal(t, http.StatusTooManyRequests, resp3.Status)
}

func TestLimitsArePerDestination(t *testing.T) {
	m := New(0.0001, 1)
	rc1 := &model.RequestContext{Destination: "biz"}
	rc2 := &model.RequestContext{Destination: "other"}

	resp1, _ := m.OnRequest(context.Background(), rc1)
	resp2, _ := m.OnRequest(context.Background(), rc2)
	assert.Nil(t, resp1)
	assert.Nil(t, resp2, "a fresh destination must not inherit another destination's exhausted bucket")
}
