package evidence

import (
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"

	"github.com/sells-group/firstmover/internal/model"
)

// fold case-folds s for keyword comparison. A Caser carries state, so one is
// created per call rather than shared across goroutines.
func fold(s string) string {
	return cases.Fold().String(s)
}

// compiledRule is a model.Rule with its patterns compiled and keywords folded.
type compiledRule struct {
	model.Rule
	senders  []string
	patterns []*regexp.Regexp
	keywords []string
}

func compileRule(r model.Rule) (compiledRule, error) {
	cr := compiledRule{Rule: r}
	cr.senders = append(cr.senders, r.SenderDomains...)
	cr.senders = append(cr.senders, r.SenderAddresses...)
	for _, p := range r.SubjectPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return cr, eris.Wrapf(err, "evidence: rule %s: compile pattern", r.ID)
		}
		cr.patterns = append(cr.patterns, re)
	}
	for _, k := range r.Keywords {
		cr.keywords = append(cr.keywords, fold(k))
	}
	return cr, nil
}

// matches applies the rule predicate: the sender constraint (if any) and the
// content constraint (if any) must both hold. Content holds when any subject
// pattern matches the subject or any keyword occurs in subject or snippet.
func (r compiledRule) matches(m model.Message) bool {
	if len(r.senders) > 0 && !senderMatches(senderAddress(m.From), r.senders) {
		return false
	}
	if len(r.patterns) == 0 && len(r.keywords) == 0 {
		return true
	}
	for _, re := range r.patterns {
		if re.MatchString(m.Subject) {
			return true
		}
	}
	if len(r.keywords) > 0 {
		text := fold(m.Subject + " " + m.Snippet)
		for _, k := range r.keywords {
			if strings.Contains(text, k) {
				return true
			}
		}
	}
	return false
}

func containsAnyFold(text string, terms []string) bool {
	text = fold(text)
	for _, t := range terms {
		if strings.Contains(text, fold(t)) {
			return true
		}
	}
	return false
}
