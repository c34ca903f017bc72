package service

import (
	"fmt"
	"strings"
	"time"
)

var indonesianDays = [...]string{"Minggu", "Senin", "Selasa", "Rabu", "Kamis", "Jumat", "Sabtu"}

// TemplateVars are the values substituted into a broadcast message.
type TemplateVars struct {
	Name  string
	Phone string
	Vars  [3]string
	Now   time.Time
}

// HasPlaceholders reports whether tmpl may contain template variables.
func HasPlaceholders(tmpl string) bool {
	return strings.Contains(tmpl, "{")
}

// RenderTemplate substitutes the supported placeholders. Custom variables
// with no value are left as written. Now should already be in the operator
// time zone.
func RenderTemplate(tmpl string, v TemplateVars) string {
	if !HasPlaceholders(tmpl) {
		return tmpl
	}

	clock := fmt.Sprintf("%02d.%02d", v.Now.Hour(), v.Now.Minute())
	date := v.Now.Format("02/01/2006")
	day := indonesianDays[v.Now.Weekday()]

	// Double-brace forms are matched whole so no stray brace remains.
	pairs := []string{
		"{{nama}}", v.Name,
		"{{waktu}}", clock,
		"{{tanggal}}", date,
		"{{hari}}", day,
		"{nama}", v.Name,
		"{name}", v.Name,
		"{nomor}", v.Phone,
		"{phone}", v.Phone,
		"{waktu}", clock,
		"{time}", clock,
		"{tanggal}", date,
		"{date}", date,
		"{hari}", day,
		"{day}", day,
	}
	for i, val := range v.Vars {
		if val == "" {
			continue
		}
		pairs = append(pairs, fmt.Sprintf("{var%d}", i+1), val)
	}

	return strings.NewReplacer(pairs...).Replace(tmpl)
}
