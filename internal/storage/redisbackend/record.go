package redisbackend

import (
	"encoding/json"
	"net/http"

	"github.com/yelp/casper/internal/model"
)

// wireRecord is the JSON-on-the-wire shape of a persisted record:
// status, a headers map, and body bytes (already carrying the
// storage.Compressor's one-byte marker prefix).
type wireRecord struct {
	Status  int                 `json:"status"`
	Headers map[string][]string `json:"headers"`
	Body    []byte              `json:"body"`
}

func encodeRecord(resp *model.Response) []byte {
	w := wireRecord{Status: resp.Status, Headers: map[string][]string(resp.Headers), Body: resp.Body}
	raw, _ := json.Marshal(w)
	return raw
}

func decodeRecord(raw []byte) (*model.Response, error) {
	var w wireRecord
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	return &model.Response{
		Status:  w.Status,
		Headers: http.Header(w.Headers),
		Body:    w.Body,
	}, nil
}
