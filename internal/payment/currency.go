package payment

import (
	"fmt"
	"strings"
)

// ISO 4217 numeric codes of the currencies the bank settles.
var currencyCodes = map[string]int{
	"MDL": 498,
	"EUR": 978,
	"USD": 840,
	"RON": 946,
	"RUB": 643,
	"UAH": 980,
	"GBP": 826,
}

func CurrencyCode(alpha string) (int, error) {
	code, ok := currencyCodes[strings.ToUpper(strings.TrimSpace(alpha))]
	if !ok {
		return 0, fmt.Errorf("unsupported currency %q", alpha)
	}
	return code, nil
}
