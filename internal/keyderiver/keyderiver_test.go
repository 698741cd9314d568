package keyderiver

import (
	"net/http"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/yelp/casper/internal/model"
)

func TestDeriveBasicGET(t *testing.T) {
	entry := &model.CacheEntry{}
	res := Derive(http.MethodGet, "/biz/yelp-sf", "destA", "biz", entry, nil, http.Header{}, nil)
	assert.Equal(t, []string{"/biz/yelp-sf", "destA", "biz"}, res.PrimaryKey)
	assert.Equal(t, []string{"destA|biz"}, res.SurrogateKeys)
}

func TestDeriveExtractsID(t *testing.T) {
	entry := &model.CacheEntry{
		EnableIDExtraction: true,
		Pattern:            regexp.MustCompile(`^/users\?ids=((\d|%2C)+)(&v=1)$`),
	}
	res := Derive(http.MethodGet, "/users?ids=1%2C2%2C3&v=1", "destA", "users", entry, nil, http.Header{}, nil)
	assert.Equal(t, "1", res.ExtractedID)
	assert.Equal(t, []string{"destA|users", "destA|users|1"}, res.SurrogateKeys)
}

func TestDeriveVaryHeaders(t *testing.T) {
	entry := &model.CacheEntry{VaryHeaders: []string{"Accept-Language"}}
	h := http.Header{"Accept-Language": []string{"en-US"}}
	res := Derive(http.MethodGet, "/x", "destA", "x", entry, nil, h, nil)
	assert.Equal(t, []string{"/x", "destA", "x", "en-US"}, res.PrimaryKey)
}

func TestDerivePostBody(t *testing.T) {
	entry := &model.CacheEntry{PostBodyID: "id", VaryBodyFieldList: []string{"locale"}}
	body := []byte(`{"id":"7","locale":null}`)
	res := Derive(http.MethodPost, "/search", "destA", "search", entry, nil, http.Header{}, body)
	assert.Equal(t, []string{"/search", "id", "7", "locale", "null", "destA", "search"}, res.PrimaryKey)
}
