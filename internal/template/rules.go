package template

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	firstNames    = []string{"Ahmet", "Ayse", "Mehmet", "Fatma", "Mustafa", "Zeynep", "Emre", "Elif", "Can", "Deniz"}
	lastNames     = []string{"Yilmaz", "Kaya", "Demir", "Sahin", "Celik", "Yildiz", "Aydin", "Ozturk", "Arslan", "Dogan"}
	activityCodes = []string{"EFT", "FAST", "HAVALE", "POS", "ATM", "ONLINE", "MOBILE", "BILL"}
	channels      = []string{"WEB", "MOBILE", "BRANCH", "ATM", "CALLCENTER"}
	currencies    = []string{"TRY", "USD", "EUR", "GBP"}
	yesNo         = []string{"Y", "N"}
	boolLiterals  = []string{"true", "false"}
)

// transactionAge bounds how far back transaction_* placeholders reach, in seconds.
const transactionAge = 3600

func defaultRules() map[string]Rule {
	return map[string]Rule{
		// iteration-derived
		"iteration": func(c Context) string { return strconv.Itoa(c.Iteration) },
		"request_id": func(c Context) string {
			return "req-" + strconv.Itoa(c.Iteration) + "-" + digits(c.Rand, 6)
		},
		"timestamp":      func(c Context) string { return c.Now.UTC().Format(time.RFC3339) },
		"timestamp_unix": func(c Context) string { return strconv.FormatInt(c.Now.Unix(), 10) },
		"timestamp_ms":   func(c Context) string { return strconv.FormatInt(c.Now.UnixMilli(), 10) },
		"date":           func(c Context) string { return c.Now.Format("2006-01-02") },

		// random scalars
		"amount": func(c Context) string {
			cents := 10000 + c.Rand.Intn(9999999-10000+1)
			return strconv.Itoa(cents/100) + "." + pad(cents%100, 2)
		},
		"score":       func(c Context) string { return strconv.Itoa(c.Rand.Intn(1001)) },
		"probability": func(c Context) string { return strconv.FormatFloat(c.Rand.Float64(), 'f', 4, 64) },
		"random_int":  func(c Context) string { return strconv.Itoa(c.Rand.Intn(1000000)) },

		// random identifiers
		"account_number": func(c Context) string { return digits(c.Rand, 16) },
		"national_id": func(c Context) string {
			return strconv.Itoa(1+c.Rand.Intn(9)) + digits(c.Rand, 11)
		},
		"iban":        func(c Context) string { return iban("TR", digits(c.Rand, 22)) },
		"card_number": func(c Context) string { return luhn("4" + digits(c.Rand, 14)) },
		"uuid": func(c Context) string {
			id, err := uuid.NewRandomFromReader(c.Rand)
			if err != nil {
				panic(err)
			}
			return id.String()
		},

		// categorical picks
		"first_name":    func(c Context) string { return pick(c.Rand, firstNames) },
		"last_name":     func(c Context) string { return pick(c.Rand, lastNames) },
		"full_name":     func(c Context) string { return pick(c.Rand, firstNames) + " " + pick(c.Rand, lastNames) },
		"activity_code": func(c Context) string { return pick(c.Rand, activityCodes) },
		"channel":       func(c Context) string { return pick(c.Rand, channels) },
		"currency":      func(c Context) string { return pick(c.Rand, currencies) },
		"yes_no":        func(c Context) string { return pick(c.Rand, yesNo) },
		"bool":          func(c Context) string { return pick(c.Rand, boolLiterals) },

		// derived transaction datetime
		"transaction_datetime": func(c Context) string {
			return transactionTime(c).Format("2006-01-02T15:04:05")
		},
		"transaction_date": func(c Context) string { return transactionTime(c).Format("2006-01-02") },
		"transaction_time": func(c Context) string { return transactionTime(c).Format("15:04:05") },
	}
}

func transactionTime(c Context) time.Time {
	return c.Now.Add(-time.Duration(c.Rand.Intn(transactionAge+1)) * time.Second)
}

func pick(r RandomSource, vocab []string) string { return vocab[r.Intn(len(vocab))] }

func digits(r RandomSource, n int) string {
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(byte('0' + r.Intn(10)))
	}
	return b.String()
}

func pad(v, width int) string {
	s := strconv.Itoa(v)
	for len(s) < width {
		s = "0" + s
	}
	return s
}

// iban builds an ISO 13616 IBAN with valid mod-97 check digits.
func iban(country, bban string) string {
	rearranged := bban + lettersToDigits(country) + "00"
	check := 98 - mod97(rearranged)
	return country + pad(check, 2) + bban
}

func lettersToDigits(s string) string {
	var b strings.Builder
	for _, ch := range strings.ToUpper(s) {
		if ch >= 'A' && ch <= 'Z' {
			b.WriteString(strconv.Itoa(int(ch-'A') + 10))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func mod97(num string) int {
	rem := 0
	for i := 0; i < len(num); i++ {
		rem = (rem*10 + int(num[i]-'0')) % 97
	}
	return rem
}

// luhn appends the Luhn check digit to partial.
func luhn(partial string) string {
	sum := 0
	double := true
	for i := len(partial) - 1; i >= 0; i-- {
		d := int(partial[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return partial + strconv.Itoa((10-sum%10)%10)
}
