// Package kickstart implements the customization engine of spec §4.C:
// splicing blueprint-derived values into the six recognized kickstart
// template directives, and rendering the post-%end user/group/sshkey
// directives.
//
// The six directives and their merge policies are hand-rolled against
// a small line tokenizer rather than a general kickstart grammar
// parser — pykickstart-equivalent libraries are out of the Go
// ecosystem, and the teacher's own manifest-stage types
// (internal/osbuild) are themselves small hand-written typed
// serializers for a narrow domain grammar, which is the idiom this
// package follows.
package kickstart

import (
	"fmt"
	"sort"
	"strings"

	"github.com/osbuild/weldr-composer/internal/blueprint"
)

const packagesHeader = "%packages"

type directive struct {
	name    string
	merge   func(line string, c *blueprint.Customizations) (string, bool)
	dflt    func(c *blueprint.Customizations) string
	present func(line string) bool
}

// directives is walked in this order for every template line; order
// matters only for readability, since each line can match at most one
// directive prefix.
func directiveTable() []directive {
	return []directive{
		{name: "bootloader", merge: mergeBootloader, dflt: defaultBootloader},
		{name: "timezone", merge: mergeTimezone, dflt: defaultTimezone},
		{name: "lang", merge: mergeLang, dflt: defaultLang},
		{name: "keyboard", merge: mergeKeyboard, dflt: defaultKeyboard},
		{name: "firewall", merge: mergeFirewall, dflt: defaultFirewall},
		{name: "services", merge: mergeServices, dflt: defaultServices},
	}
}

// Splice walks template line by line, merging blueprint customization
// values into the six known directives found in its pre-%packages
// section, and prepends synthesized lines for any directive not
// present whose blueprint value (or default) is non-empty. The
// %packages section and anything after it is passed through
// unmodified.
func Splice(template string, c *blueprint.Customizations) (string, error) {
	if c == nil {
		c = &blueprint.Customizations{}
	}
	table := directiveTable()
	found := make(map[string]bool, len(table))

	lines := strings.Split(template, "\n")
	var out []string
	packagesIdx := -1

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, packagesHeader) {
			packagesIdx = i
			break
		}

		matched := false
		for _, d := range table {
			if !matchesDirective(trimmed, d.name) {
				continue
			}
			matched = true
			found[d.name] = true
			merged, ok := d.merge(line, c)
			if ok {
				out = append(out, merged)
			} else {
				out = append(out, line)
			}
			break
		}
		if !matched {
			out = append(out, line)
		}
	}

	var synthesized []string
	for _, d := range table {
		if found[d.name] {
			continue
		}
		def := d.dflt(c)
		if def == "" {
			continue
		}
		synthesized = append(synthesized, def)
	}

	result := append(synthesized, out...)
	if packagesIdx >= 0 {
		result = append(result, lines[packagesIdx:]...)
	}
	return strings.Join(result, "\n"), nil
}

func matchesDirective(line, name string) bool {
	if !strings.HasPrefix(line, name) {
		return false
	}
	rest := line[len(name):]
	return rest == "" || rest[0] == ' ' || rest[0] == '\t'
}

func args(line, name string) []string {
	return tokenize(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), name)))
}

// tokenize is a minimal shell-word splitter: whitespace-separated,
// honoring double-quoted spans so `--append="a b"` stays one token.
func tokenize(s string) []string {
	var tokens []string
	var cur strings.Builder
	inQuotes := false
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case (r == ' ' || r == '\t') && !inQuotes:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}

func flagValue(tokens []string, flag string) (string, bool) {
	for _, t := range tokens {
		if strings.HasPrefix(t, flag+"=") {
			return strings.Trim(strings.TrimPrefix(t, flag+"="), `"`), true
		}
	}
	return "", false
}

func hasFlag(tokens []string, flag string) bool {
	for _, t := range tokens {
		if t == flag || strings.HasPrefix(t, flag+"=") {
			return true
		}
	}
	return false
}

// --- bootloader ---

func defaultBootloader(c *blueprint.Customizations) string {
	const base = "bootloader --location=none"
	if c.Kernel == nil || c.Kernel.Append == "" {
		return base
	}
	return fmt.Sprintf("%s --append=%q", base, c.Kernel.Append)
}

func mergeBootloader(line string, c *blueprint.Customizations) (string, bool) {
	if c.Kernel == nil || c.Kernel.Append == "" {
		return line, false
	}
	prefix, rest := splitDirectiveWord(line)
	tokens := tokenize(rest)
	existing, ok := flagValue(tokens, "--append")

	merged := c.Kernel.Append
	if ok && existing != "" {
		merged = existing + " " + c.Kernel.Append
	}

	var kept []string
	for _, t := range tokens {
		if !strings.HasPrefix(t, "--append=") {
			kept = append(kept, t)
		}
	}
	kept = append(kept, fmt.Sprintf("--append=%q", merged))
	return prefix + " " + strings.Join(kept, " "), true
}

// --- timezone ---

func defaultTimezone(c *blueprint.Customizations) string {
	if c.Timezone == nil || c.Timezone.Timezone == "" {
		return "timezone UTC"
	}
	line := "timezone " + c.Timezone.Timezone
	if len(c.Timezone.NTPServers) > 0 {
		line += fmt.Sprintf(" --ntpservers=%s", strings.Join(c.Timezone.NTPServers, ","))
	}
	return line
}

func mergeTimezone(line string, c *blueprint.Customizations) (string, bool) {
	if c.Timezone == nil {
		return line, false
	}
	_, rest := splitDirectiveWord(line)
	tokens := tokenize(rest)

	existingTZ := ""
	var flags []string
	for _, t := range tokens {
		if strings.HasPrefix(t, "--") {
			flags = append(flags, t)
		} else if existingTZ == "" {
			existingTZ = t
		}
	}

	tz := existingTZ
	if tz == "" && c.Timezone.Timezone != "" {
		tz = c.Timezone.Timezone
	}
	if tz == "" {
		return line, false
	}

	if len(c.Timezone.NTPServers) > 0 && !hasAnyPrefix(flags, "--ntpservers") {
		flags = append(flags, fmt.Sprintf("--ntpservers=%s", strings.Join(c.Timezone.NTPServers, ",")))
	}

	result := "timezone " + tz
	if len(flags) > 0 {
		result += " " + strings.Join(flags, " ")
	}
	return result, true
}

func hasAnyPrefix(tokens []string, prefix string) bool {
	for _, t := range tokens {
		if strings.HasPrefix(t, prefix) {
			return true
		}
	}
	return false
}

// --- lang ---

func defaultLang(c *blueprint.Customizations) string {
	if c.Locale == nil || len(c.Locale.Languages) == 0 {
		return "lang en_US.UTF-8"
	}
	return renderLang(c.Locale.Languages)
}

func renderLang(languages []string) string {
	line := "lang " + languages[0]
	if len(languages) > 1 {
		line += fmt.Sprintf(" --addsupport=%s", strings.Join(languages[1:], ","))
	}
	return line
}

func mergeLang(line string, c *blueprint.Customizations) (string, bool) {
	if c.Locale == nil || len(c.Locale.Languages) == 0 {
		return line, false
	}
	return renderLang(c.Locale.Languages), true
}

// --- keyboard ---

func defaultKeyboard(c *blueprint.Customizations) string {
	const base = "keyboard --xlayouts us --vckeymap us"
	if c.Locale == nil || c.Locale.Keyboard == "" {
		return base
	}
	return renderKeyboard(c.Locale.Keyboard)
}

func renderKeyboard(layout string) string {
	return fmt.Sprintf("keyboard --xlayouts %s --vckeymap %s", layout, layout)
}

func mergeKeyboard(line string, c *blueprint.Customizations) (string, bool) {
	if c.Locale == nil || c.Locale.Keyboard == "" {
		return line, false
	}
	return renderKeyboard(c.Locale.Keyboard), true
}

// --- firewall ---

func defaultFirewall(c *blueprint.Customizations) string {
	if c.Firewall == nil {
		return "firewall --enabled"
	}
	return renderFirewall(nil, nil, nil, c.Firewall)
}

func mergeFirewall(line string, c *blueprint.Customizations) (string, bool) {
	_, rest := splitDirectiveWord(line)
	tokens := tokenize(rest)
	if hasFlag(tokens, "--disabled") {
		return line, false
	}
	if c.Firewall == nil {
		return line, false
	}

	ports := csvFlag(tokens, "--ports")
	enabled := csvFlag(tokens, "--enabled")
	var disabled []string
	for _, t := range tokens {
		if strings.HasPrefix(t, "--service=") || strings.HasPrefix(t, "--services=") {
			enabled = append(enabled, splitCSV(strings.SplitN(t, "=", 2)[1])...)
		}
		if strings.HasPrefix(t, "--remove-service=") {
			disabled = append(disabled, splitCSV(strings.SplitN(t, "=", 2)[1])...)
		}
	}
	return renderFirewall(ports, enabled, disabled, c.Firewall), true
}

func renderFirewall(ports, enabled, disabled []string, bp *blueprint.Firewall) string {
	ports = unionSorted(ports, bp.Ports)

	var enabledSvc, disabledSvc []string
	if bp.Services != nil {
		enabledSvc = unionSorted(enabled, bp.Services.Enabled)
		disabledSvc = unionSorted(disabled, bp.Services.Disabled)
	} else {
		enabledSvc = unionSorted(enabled, nil)
		disabledSvc = unionSorted(disabled, nil)
	}

	line := "firewall --enabled"
	if len(ports) > 0 {
		line += fmt.Sprintf(" --ports=%s", strings.Join(ports, ","))
	}
	if len(enabledSvc) > 0 {
		line += fmt.Sprintf(" --service=%s", strings.Join(enabledSvc, ","))
	}
	if len(disabledSvc) > 0 {
		line += fmt.Sprintf(" --remove-service=%s", strings.Join(disabledSvc, ","))
	}
	return line
}

// --- services ---

func defaultServices(c *blueprint.Customizations) string {
	if c.Services == nil || (len(c.Services.Enabled) == 0 && len(c.Services.Disabled) == 0) {
		return ""
	}
	return renderServices(nil, nil, c.Services)
}

func mergeServices(line string, c *blueprint.Customizations) (string, bool) {
	_, rest := splitDirectiveWord(line)
	tokens := tokenize(rest)
	enabled := csvFlag(tokens, "--enabled")
	disabled := csvFlag(tokens, "--disabled")
	if c.Services == nil {
		return line, false
	}
	return renderServices(enabled, disabled, c.Services), true
}

func renderServices(enabled, disabled []string, bp *blueprint.Services) string {
	enabled = unionSorted(enabled, bp.Enabled)
	disabled = unionSorted(disabled, bp.Disabled)

	line := "services"
	if len(enabled) > 0 {
		line += fmt.Sprintf(" --enabled=%s", strings.Join(enabled, ","))
	}
	if len(disabled) > 0 {
		line += fmt.Sprintf(" --disabled=%s", strings.Join(disabled, ","))
	}
	return line
}

// --- shared helpers ---

func splitDirectiveWord(line string) (word, rest string) {
	trimmed := strings.TrimLeft(line, " \t")
	idx := strings.IndexAny(trimmed, " \t")
	if idx < 0 {
		return trimmed, ""
	}
	return trimmed[:idx], trimmed[idx+1:]
}

func csvFlag(tokens []string, flag string) []string {
	v, ok := flagValue(tokens, flag)
	if !ok {
		return nil
	}
	return splitCSV(v)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func unionSorted(a, b []string) []string {
	set := map[string]bool{}
	for _, x := range a {
		if x != "" {
			set[x] = true
		}
	}
	for _, x := range b {
		if x != "" {
			set[x] = true
		}
	}
	out := make([]string, 0, len(set))
	for x := range set {
		out = append(out, x)
	}
	sort.Strings(out)
	return out
}
