package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/yelp/casper/internal/model"
)

func TestURINoQuery(t *testing.T) {
	assert.Equal(t, "/biz/yelp-sf", URI("/biz/yelp-sf"))
}

func TestURISortsQueryParams(t *testing.T) {
	a := URI("/happy/?k3=v2&k1=v6&k2=v1%2Cv20")
	b := URI("/happy/?k2=v1%2Cv20&k1=v6&k3=v2")
	assert.Equal(t, a, b)
	assert.Equal(t, "/happy/?k1=v6&k2=v1%2Cv20&k3=v2", a)
}

func TestBodyProjectionSortsKeysAndFillsNull(t *testing.T) {
	entry := &model.CacheEntry{
		PostBodyID:        "id",
		VaryBodyFieldList: []string{"locale", "id"},
	}
	out, err := Body([]byte(`{"id":"7","extra":"ignored"}`), entry)
	assert.NoError(t, err)
	assert.JSONEq(t, `{"id":"7","locale":null}`, string(out))
}

func TestBodyProjectionIsOrderStable(t *testing.T) {
	entry := &model.CacheEntry{VaryBodyFieldList: []string{"b", "a"}}
	out1, _ := Body([]byte(`{"a":1,"b":2}`), entry)
	out2, _ := Body([]byte(`{"b":2,"a":1}`), entry)
	assert.Equal(t, string(out1), string(out2))
}
