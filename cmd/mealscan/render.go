package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/franckalain/mealscan/internal/models"
	"github.com/franckalain/mealscan/internal/scan"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#bbf7d0"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#a1a1aa")).
			Width(10)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#d4d4d8"))

	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#71717a")).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#fca5a5"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#52525b")).
			Padding(0, 1)
)

func renderPicker() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Which meal is this?"))
	for i, c := range models.MealCategories() {
		fmt.Fprintf(&b, "\n  %s %s", hintStyle.Render(fmt.Sprintf("%d.", i+1)), valueStyle.Render(string(c)))
	}
	return b.String()
}

func renderHint(msg string) string {
	return hintStyle.Render(msg)
}

func row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), valueStyle.Render(value))
}

// renderState shows a terminal scan state.
func renderState(st scan.State) string {
	if st.Phase == scan.PhaseFailed || st.Result == nil {
		msg := st.Message
		if msg == "" {
			msg = st.Failure.Message()
		}
		return errorStyle.Render(msg)
	}
	return renderResult(st.Result, st.Meal)
}

func renderResult(r *models.NutritionAnalysisResult, meal models.MealCategory) string {
	lines := []string{titleStyle.Render(r.MealName)}
	if meal != "" {
		lines = append(lines, row("Meal", string(meal)))
	}
	lines = append(lines,
		row("Calories", fmt.Sprintf("%.0f kcal", r.Calories)),
		row("Protein", fmt.Sprintf("%.1f g", r.Protein)),
		row("Carbs", fmt.Sprintf("%.1f g", r.Carbs)),
		row("Fats", fmt.Sprintf("%.1f g", r.Fats)),
	)
	if r.HealthScore > 0 {
		lines = append(lines, row("Health", fmt.Sprintf("%.0f/10", r.HealthScore)))
	}
	for _, item := range r.IdentifiedItems {
		lines = append(lines, hintStyle.Render(fmt.Sprintf("  %s %s", item.Name, item.Quantity)))
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

// renderRecord shows a background scan record.
func renderRecord(rec *models.PendingScanRecord) string {
	if rec.Status != models.StatusCompleted {
		return errorStyle.Render(rec.DetectedFood)
	}
	return boxStyle.Render(strings.Join([]string{
		titleStyle.Render(rec.DetectedFood),
		row("Calories", fmt.Sprintf("%.0f kcal", rec.Calories)),
		row("Saved as", rec.ID),
	}, "\n"))
}
