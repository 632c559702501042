// Package seed generates synthetic food documents for loading.
package seed

import (
	crand "crypto/rand"
	"encoding/binary"
	"io"
	"math"
	"math/rand/v2"
	"strconv"
	"sync"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"

	"github.com/dan-strohschein/syndrdb-bulkload/food"
)

// DefaultGroup is the food group generated documents belong to.
const DefaultGroup = "Energy Bars"

var nutrients = []string{"Protein", "Total lipid (fat)", "Carbohydrate", "Fiber", "Sugars", "Sodium"}

// Generator produces foods. A non-zero seed makes the sequence reproducible,
// ids included. It is safe for concurrent use.
type Generator struct {
	mu    sync.Mutex
	faker *gofakeit.Faker
	ids   io.Reader
	group string
}

// New creates a generator. Seed 0 draws a random seed.
func New(seed uint64, group string) *Generator {
	if group == "" {
		group = DefaultGroup
	}
	var ids io.Reader = crand.Reader
	if seed != 0 {
		var key [32]byte
		binary.LittleEndian.PutUint64(key[:], seed)
		ids = rand.NewChaCha8(key)
	}
	return &Generator{
		faker: gofakeit.New(seed),
		ids:   ids,
		group: group,
	}
}

// Group returns the food group of generated documents.
func (g *Generator) Group() string { return g.group }

// Next returns one food tagged "Food" with one nutrient and one serving.
func (g *Generator) Next() food.Food {
	g.mu.Lock()
	defer g.mu.Unlock()

	f := food.Food{
		ID:               uuid.Must(uuid.NewRandomFromReader(g.ids)).String(),
		Description:      g.faker.Dinner(),
		ManufacturerName: g.faker.Company(),
		FoodGroup:        g.group,
	}
	f.AddTag(food.Tag{Name: "Food"})
	f.AddNutrient(food.Nutrient{
		ID:             strconv.Itoa(g.faker.IntRange(203, 320)),
		Description:    g.faker.RandomString(nutrients),
		NutritionValue: round2(g.faker.Float64Range(0.1, 40)),
		Units:          "g",
	})
	f.AddServing(food.Serving{
		Amount:        1,
		Description:   "bar",
		WeightInGrams: round2(g.faker.Float64Range(25, 90)),
	})
	return f
}

// Batch returns n foods.
func (g *Generator) Batch(n int) []food.Food {
	if n <= 0 {
		return nil
	}
	out := make([]food.Food, n)
	for i := range out {
		out[i] = g.Next()
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
