package template

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

func newTestRenderer(opts ...Option) *Renderer {
	return New(append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)...)
}

func TestRenderDeterministicForSeed(t *testing.T) {
	t.Parallel()
	r := newTestRenderer()
	tmpl := `{"id":"{{uuid}}","n":{{iteration}},"amt":{{amount}},"acct":"{{account_number}}",` +
		`"iban":"{{iban}}","name":"{{full_name}}","when":"{{transaction_datetime}}","flag":"{{yes_no}}"}`

	a, err := r.Render(tmpl, 3, NewRandom(42))
	require.NoError(t, err)
	b, err := r.Render(tmpl, 3, NewRandom(42))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := r.Render(tmpl, 3, NewRandom(43))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
	assert.NotContains(t, a, "{{")
}

func TestRenderUnknownPlaceholderPassesThrough(t *testing.T) {
	t.Parallel()
	r := newTestRenderer()
	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{name: "unknown", tmpl: `x={{not_a_real_placeholder}}`, want: `x={{not_a_real_placeholder}}`},
		{name: "mixed", tmpl: `{{iteration}}-{{nope}}`, want: `7-{{nope}}`},
		{name: "unterminated", tmpl: `a {{iteration`, want: `a {{iteration`},
		{name: "spaces", tmpl: `{{ iteration }}`, want: `7`},
		{name: "empty", tmpl: `{{}}`, want: `{{}}`},
		{name: "no placeholders", tmpl: `plain`, want: `plain`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Render(tt.tmpl, 7, NewRandom(1))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderTimestamps(t *testing.T) {
	t.Parallel()
	r := newTestRenderer()
	got, err := r.Render("{{timestamp}}|{{timestamp_unix}}|{{date}}", 1, NewRandom(1))
	require.NoError(t, err)
	assert.Equal(t, "2024-03-15T10:30:00Z|1710498600|2024-03-15", got)

	tx, err := r.Render("{{transaction_datetime}}", 1, NewRandom(9))
	require.NoError(t, err)
	ts, err := time.Parse("2006-01-02T15:04:05", tx)
	require.NoError(t, err)
	assert.False(t, ts.After(fixedNow))
	assert.True(t, fixedNow.Sub(ts) <= time.Hour)
}

func TestRenderIdentifierShapes(t *testing.T) {
	t.Parallel()
	r := newTestRenderer()
	rnd := NewRandom(7)
	for i := 0; i < 50; i++ {
		out, err := r.Render("{{account_number}} {{national_id}} {{iban}} {{card_number}} {{uuid}} {{score}}", i, rnd)
		require.NoError(t, err)
		parts := strings.Fields(out)
		require.Len(t, parts, 6)

		assert.Regexp(t, regexp.MustCompile(`^\d{16}$`), parts[0])
		assert.Regexp(t, regexp.MustCompile(`^[1-9]\d{11}$`), parts[1])
		assert.Regexp(t, regexp.MustCompile(`^TR\d{24}$`), parts[2])
		assert.Equal(t, 1, mod97(parts[2][4:]+lettersToDigits("TR")+parts[2][2:4]), "iban check digits")
		assert.Regexp(t, regexp.MustCompile(`^4\d{15}$`), parts[3])
		assert.Equal(t, parts[3], luhn(parts[3][:15]))
		assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`), parts[4])
	}
}

func TestRenderRulePanicIsError(t *testing.T) {
	t.Parallel()
	r := newTestRenderer(WithRule("boom", func(Context) string { panic("bad rule") }))
	_, err := r.Render("a {{boom}} b", 1, NewRandom(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRule))
	assert.Contains(t, err.Error(), "boom")
}

func TestNamesListsVocabulary(t *testing.T) {
	t.Parallel()
	names := New().Names()
	for _, want := range []string{"iteration", "timestamp", "amount", "iban", "national_id", "activity_code", "yes_no", "transaction_datetime"} {
		assert.Contains(t, names, want)
	}
	assert.IsIncreasing(t, names)
}
