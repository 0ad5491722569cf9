package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidMeal is returned when a meal category is not one of the known values.
var ErrInvalidMeal = errors.New("invalid meal category")

// MealCategory labels a food analysis with the meal it belongs to.
// The zero value means no selection has been made yet.
type MealCategory string

const (
	MealBreakfast MealCategory = "breakfast"
	MealLunch     MealCategory = "lunch"
	MealDinner    MealCategory = "dinner"
	MealSnack     MealCategory = "snack"
)

// MealCategories returns the categories in picker order.
func MealCategories() []MealCategory {
	return []MealCategory{MealBreakfast, MealLunch, MealDinner, MealSnack}
}

// Valid reports whether m is one of the known categories.
func (m MealCategory) Valid() bool {
	switch m {
	case MealBreakfast, MealLunch, MealDinner, MealSnack:
		return true
	}
	return false
}

// ParseMealCategory converts user input to a MealCategory. Case and
// surrounding whitespace are ignored.
func ParseMealCategory(s string) (MealCategory, error) {
	m := MealCategory(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidMeal, s)
	}
	return m, nil
}
