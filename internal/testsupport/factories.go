// Package testsupport provides seeded test-data factories for upstream
// response fixtures.
package testsupport

import (
	"encoding/json"

	"github.com/brianvoe/gofakeit/v6"
)

// Entity is a stand-in upstream JSON resource: any bulk/single-endpoint
// fixture can be rendered from one without every test hand-rolling a
// literal payload.
type Entity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// EntityFactory renders fake Entity fixtures from a seeded faker, so a
// test run is reproducible across retries.
type EntityFactory struct {
	faker *gofakeit.Faker
}

// NewEntityFactory builds a factory seeded deterministically.
func NewEntityFactory(seed int64) *EntityFactory {
	return &EntityFactory{faker: gofakeit.New(seed)}
}

// Entity renders one fixture for the given ID.
func (f *EntityFactory) Entity(id string) Entity {
	return Entity{ID: id, Name: f.faker.Name(), Email: f.faker.Email()}
}

// JSON renders a fixture for the given ID as an encoded JSON object,
// for handlers that stitch raw upstream bytes into a response body.
func (f *EntityFactory) JSON(id string) []byte {
	b, _ := json.Marshal(f.Entity(id))
	return b
}

// JSONArray renders fixtures for every ID as a JSON array.
func (f *EntityFactory) JSONArray(ids ...string) []byte {
	entities := make([]Entity, 0, len(ids))
	for _, id := range ids {
		entities = append(entities, f.Entity(id))
	}
	b, _ := json.Marshal(entities)
	return b
}
