// Package horoscope builds batch prompt requests for riders and parses the results.
package horoscope

import (
	"fmt"
	"strconv"
	"strings"
)

const UnknownSign = "Unknown"

type signStart struct {
	month int
	day   int
	sign  string
}

// signStarts holds the first day of each sign, in calendar order.
var signStarts = []signStart{
	{1, 20, "Aquarius"},
	{2, 19, "Pisces"},
	{3, 21, "Aries"},
	{4, 20, "Taurus"},
	{5, 21, "Gemini"},
	{6, 21, "Cancer"},
	{7, 23, "Leo"},
	{8, 23, "Virgo"},
	{9, 23, "Libra"},
	{10, 23, "Scorpio"},
	{11, 22, "Sagittarius"},
	{12, 22, "Capricorn"},
}

// ZodiacSign returns the sign for a MM/DD/YYYY birth date.
func ZodiacSign(birthDate string) (string, error) {
	month, day, err := parseMonthDay(birthDate)
	if err != nil {
		return UnknownSign, err
	}

	for i := len(signStarts) - 1; i >= 0; i-- {
		start := signStarts[i]
		if month > start.month || (month == start.month && day >= start.day) {
			return start.sign, nil
		}
	}
	// Jan 1 to Jan 19.
	return "Capricorn", nil
}

func parseMonthDay(birthDate string) (int, int, error) {
	value := strings.TrimSpace(birthDate)
	if len(value) < 5 || value[2] != '/' {
		return 0, 0, fmt.Errorf("birth date %q is not MM/DD/YYYY", birthDate)
	}

	month, err := strconv.Atoi(value[0:2])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid month in %q: %w", birthDate, err)
	}
	day, err := strconv.Atoi(value[3:5])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid day in %q: %w", birthDate, err)
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return 0, 0, fmt.Errorf("birth date %q out of range", birthDate)
	}
	return month, day, nil
}
