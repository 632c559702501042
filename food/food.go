// Package food defines the documents the bulk procedures move in and out of a
// container, and the progress payloads those procedures report.
package food

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDuplicateID is returned when a batch carries the same id twice.
var ErrDuplicateID = errors.New("duplicate food id in batch")

// Food is one document in the food container.
type Food struct {
	ID               string     `json:"id"`
	Description      string     `json:"description"`
	ManufacturerName string     `json:"manufacturerName"`
	FoodGroup        string     `json:"foodGroup"`
	Tags             []Tag      `json:"tags"`
	Nutrients        []Nutrient `json:"nutrients"`
	Servings         []Serving  `json:"servings"`
}

// Tag classifies a food.
type Tag struct {
	Name string `json:"name"`
}

// Nutrient is one nutritional measurement.
type Nutrient struct {
	ID             string  `json:"id"`
	Description    string  `json:"description"`
	NutritionValue float64 `json:"nutritionValue"`
	Units          string  `json:"units"`
}

// Serving describes a serving size.
type Serving struct {
	Amount        float64 `json:"amount"`
	Description   string  `json:"description"`
	WeightInGrams float64 `json:"weightInGrams"`
}

// AddTag appends a tag.
func (f *Food) AddTag(t Tag) { f.Tags = append(f.Tags, t) }

// AddNutrient appends a nutrient.
func (f *Food) AddNutrient(n Nutrient) { f.Nutrients = append(f.Nutrients, n) }

// AddServing appends a serving.
func (f *Food) AddServing(s Serving) { f.Servings = append(f.Servings, s) }

// ValidateBatch checks that every food has an id and that ids are unique.
func ValidateBatch(foods []Food) error {
	seen := make(map[string]int, len(foods))
	for i, f := range foods {
		if f.ID == "" {
			return fmt.Errorf("food at index %d has no id", i)
		}
		if j, ok := seen[f.ID]; ok {
			return fmt.Errorf("%w: %q at index %d and %d", ErrDuplicateID, f.ID, j, i)
		}
		seen[f.ID] = i
	}
	return nil
}

// literalEscaper escapes a value for a single-quoted query literal.
var literalEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// GroupQuery returns the selection query matching every food in group.
func GroupQuery(group string) string {
	return fmt.Sprintf("SELECT * FROM foods f WHERE f.foodGroup = '%s'", literalEscaper.Replace(group))
}
