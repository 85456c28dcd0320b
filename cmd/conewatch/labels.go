package main

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// humanize turns identifiers such as "non_zero_exit" into "Non Zero Exit".
func humanize(value string) string {
	value = strings.TrimSpace(strings.ReplaceAll(value, "_", " "))
	if value == "" {
		return ""
	}
	return cases.Title(language.English).String(value)
}

func stepLabel(step string) string {
	if strings.EqualFold(strings.TrimSpace(step), "all") {
		return "All steps"
	}
	return "Step " + strings.TrimSpace(step)
}
