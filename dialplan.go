package main

import "strings"

// formatDialNumber normalizes user input to E.164-ish form before it is
// handed to the provider. A bare 10-digit number is assumed to be US.
func formatDialNumber(number string) string {
	if strings.HasPrefix(number, "+") {
		return number
	}
	if len(number) == 10 {
		return "+1" + number
	}
	if len(number) == 11 && strings.HasPrefix(number, "1") {
		return "+" + number
	}
	return "+" + number
}
