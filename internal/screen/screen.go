// Package screen is the static security screen applied to submitted payloads
// before anything is persisted. It is textual and heuristic: the guaranteed
// boundary is worker process isolation, not this screen.
package screen

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"

	"query-portal-engine/internal/request"
)

// Severity classifies how a matched pattern affects the request.
type Severity int

const (
	// SeverityAdvisory lets the payload through and surfaces the finding
	// to the approver.
	SeverityAdvisory Severity = iota
	// SeverityBlocking rejects the payload at submission time.
	SeverityBlocking
)

func (s Severity) String() string {
	if s == SeverityBlocking {
		return "blocking"
	}
	return "advisory"
}

// Pattern is one screened construct.
type Pattern struct {
	Category    string
	Description string
	Regex       *regexp.Regexp
	// Unless suppresses a match when it also matches the same text. Used
	// for the "mutation without a predicate" checks, since RE2 has no
	// negative lookahead.
	Unless   *regexp.Regexp
	Severity Severity
	// Scope limits a pattern to payloads aimed at one target kind.
	// Empty means the pattern always applies. Script payloads ignore
	// scoping: a script can reach either wrapper op.
	Scope request.TargetKind
}

func (p Pattern) applies(target request.TargetKind, kind request.PayloadKind) bool {
	if p.Scope == "" || kind == request.PayloadScript {
		return true
	}
	return p.Scope == target
}

// Report is the outcome of screening one payload.
type Report struct {
	Blocked  bool
	Findings []request.Finding
}

// Validator screens payload text against the pattern tables. Blocking
// patterns are code-level attack surface and scan line by line; advisory
// patterns are business-risk statements and scan per semicolon-separated
// statement, so a WHERE clause on a later line still counts.
type Validator struct {
	blocking []Pattern
	advisory []Pattern
}

// New creates a validator with the default pattern tables.
func New() *Validator {
	return &Validator{
		blocking: blockingPatterns(),
		advisory: advisoryPatterns(),
	}
}

// Validate screens one payload. It never errors: an unmatchable payload is
// simply clean.
func (v *Validator) Validate(payload string, target request.TargetKind, kind request.PayloadKind) Report {
	var rep Report

	lines := strings.Split(payload, "\n")
	for i, line := range lines {
		for _, p := range v.blocking {
			if !p.applies(target, kind) || !p.Regex.MatchString(line) {
				continue
			}
			rep.Blocked = true
			rep.Findings = append(rep.Findings, request.Finding{
				Category: p.Category,
				Severity: p.Severity.String(),
				Message:  p.Description,
				Line:     i + 1,
			})
			log.Warn().
				Str("category", p.Category).
				Str("severity", p.Severity.String()).
				Int("line", i+1).
				Msg("blocked pattern in submitted payload")
		}
	}

	for _, st := range splitStatements(payload) {
		for _, p := range v.advisory {
			if !p.applies(target, kind) || !p.Regex.MatchString(st.text) {
				continue
			}
			if p.Unless != nil && p.Unless.MatchString(st.text) {
				continue
			}
			rep.Findings = append(rep.Findings, request.Finding{
				Category: p.Category,
				Severity: p.Severity.String(),
				Message:  p.Description,
				Line:     st.line,
			})
			log.Info().
				Str("category", p.Category).
				Int("line", st.line).
				Msg("advisory pattern in submitted payload")
		}
	}

	return rep
}

type statement struct {
	text string
	line int
}

// splitStatements breaks a payload on semicolons, keeping the line each
// statement starts on. A payload with no semicolons is one statement.
func splitStatements(payload string) []statement {
	var stmts []statement
	var b strings.Builder
	line, start := 1, 0
	flush := func() {
		if s := strings.TrimSpace(b.String()); s != "" {
			stmts = append(stmts, statement{text: s, line: start})
		}
		b.Reset()
		start = 0
	}
	for _, r := range payload {
		if r == ';' {
			flush()
			continue
		}
		if r == '\n' {
			line++
		}
		if start == 0 && !unicode.IsSpace(r) {
			start = line
		}
		b.WriteRune(r)
	}
	flush()
	return stmts
}

func blockingPatterns() []Pattern {
	return []Pattern{
		{
			Category:    "dynamic_evaluation",
			Description: "dynamic code evaluation (eval/exec/compile/__import__)",
			Regex:       regexp.MustCompile(`(?i)\b(eval|exec|compile)\s*\(|__import__`),
			Severity:    SeverityBlocking,
		},
		{
			Category:    "dynamic_evaluation",
			Description: "Function constructor",
			Regex:       regexp.MustCompile(`\bnew\s+Function\b|\bFunction\s*\(`),
			Severity:    SeverityBlocking,
		},
		{
			Category:    "os_module_import",
			Description: "import of a process or OS module",
			Regex:       regexp.MustCompile(`(?i)\b(import\s+(os|sys|subprocess|shutil|ctypes|socket|importlib|pathlib)|from\s+(os|sys|subprocess|shutil|ctypes|socket|importlib|pathlib)\s+import)\b`),
			Severity:    SeverityBlocking,
		},
		{
			Category:    "os_module_import",
			Description: "require of a process or OS module",
			Regex:       regexp.MustCompile(`(?i)\brequire\s*\(\s*['"](fs|child_process|net|http|https|os|process|vm)['"]`),
			Severity:    SeverityBlocking,
		},
		{
			Category:    "filesystem_access",
			Description: "filesystem access",
			Regex:       regexp.MustCompile(`(?i)\bopen\s*\(|\breadFile|\bwriteFile|\bcreate(Read|Write)Stream\b|/etc/(passwd|shadow)`),
			Severity:    SeverityBlocking,
		},
		{
			Category:    "network_access",
			Description: "network access",
			Regex:       regexp.MustCompile(`(?i)\bsocket\b|\burllib\b|\brequests\.|\bfetch\s*\(|\bhttps?\.|\bXMLHttpRequest\b`),
			Severity:    SeverityBlocking,
		},
		{
			Category:    "process_env_access",
			Description: "process or environment access",
			Regex:       regexp.MustCompile(`(?i)\bprocess\.env\b|\bos\.environ\b|\b(get|put|set)env\s*\(`),
			Severity:    SeverityBlocking,
		},
		{
			Category:    "object_model_tampering",
			Description: "object model or interpreter global tampering",
			Regex:       regexp.MustCompile(`(?i)__proto__|\bconstructor\s*\.\s*prototype\b|\bglobals\s*\(\s*\)|__builtins__`),
			Severity:    SeverityBlocking,
		},
	}
}

func advisoryPatterns() []Pattern {
	return []Pattern{
		{
			Category:    "unfiltered_delete",
			Description: "DELETE without a WHERE clause affects every row",
			Regex:       regexp.MustCompile(`(?i)\bdelete\s+from\b`),
			Unless:      regexp.MustCompile(`(?i)\bwhere\b`),
			Severity:    SeverityAdvisory,
			Scope:       request.TargetRelational,
		},
		{
			Category:    "unfiltered_update",
			Description: "UPDATE without a WHERE clause affects every row",
			Regex:       regexp.MustCompile(`(?i)\bupdate\s+\S+\s+set\b`),
			Unless:      regexp.MustCompile(`(?i)\bwhere\b`),
			Severity:    SeverityAdvisory,
			Scope:       request.TargetRelational,
		},
		{
			Category:    "schema_drop",
			Description: "DROP removes the object and its data",
			Regex:       regexp.MustCompile(`(?i)\bdrop\s+(table|database|schema)\b`),
			Severity:    SeverityAdvisory,
			Scope:       request.TargetRelational,
		},
		{
			Category:    "truncate",
			Description: "TRUNCATE removes every row",
			Regex:       regexp.MustCompile(`(?i)\btruncate\b`),
			Severity:    SeverityAdvisory,
			Scope:       request.TargetRelational,
		},
		{
			Category:    "mass_deletion",
			Description: "deleteMany with an empty filter affects every document",
			Regex:       regexp.MustCompile(`(?i)\bdeleteMany\s*\(\s*\{\s*\}|\bremove\s*\(\s*\{\s*\}\s*\)`),
			Severity:    SeverityAdvisory,
			Scope:       request.TargetDocument,
		},
		{
			Category:    "mass_update",
			Description: "updateMany with an empty filter affects every document",
			Regex:       regexp.MustCompile(`(?i)\bupdateMany\s*\(\s*\{\s*\}`),
			Severity:    SeverityAdvisory,
			Scope:       request.TargetDocument,
		},
		{
			Category:    "unfiltered_command",
			Description: "command document with an empty query filter",
			Regex:       regexp.MustCompile(`"q"\s*:\s*\{\s*\}`),
			Severity:    SeverityAdvisory,
			Scope:       request.TargetDocument,
		},
		{
			Category:    "collection_drop",
			Description: "drop removes the collection or database",
			Regex:       regexp.MustCompile(`(?i)\.drop\s*\(\s*\)|\bdropDatabase\s*\(|"drop(Database)?"\s*:`),
			Severity:    SeverityAdvisory,
			Scope:       request.TargetDocument,
		},
	}
}
