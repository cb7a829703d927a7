package classify

import (
	"strings"

	"github.com/tracklight-app/tracklight/session"
)

// Outcome is what a matched rule assigns to a draft entry.
type Outcome struct {
	Client  string
	Project string
}

// Rule pairs a predicate with the outcome it assigns. Rules are evaluated in
// order, first match wins; there is no scoring across multiple matches.
type Rule struct {
	Name  string
	Match func(s session.Session) (Outcome, bool)
}

// Tables is the operator-supplied classification config, loaded from YAML.
type Tables struct {
	// Clients maps sender domains to a known client (and optionally a
	// default project for that client). Checked first.
	Clients []ClientEntry `yaml:"clients"`
	// Projects maps subject keywords to a project. Checked second.
	Projects []ProjectEntry `yaml:"projects"`
}

type ClientEntry struct {
	Name    string   `yaml:"name"`
	Project string   `yaml:"project"`
	Domains []string `yaml:"domains"`
}

type ProjectEntry struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
}

// buildRules compiles the tables into the ordered rule list:
// sender domain → client, then subject keyword → project. The unclassified
// fallback is applied by the engine, not a rule, so the list can be empty.
func buildRules(tables Tables) []Rule {
	var rules []Rule
	for _, entry := range tables.Clients {
		entry := entry
		rules = append(rules, Rule{
			Name: "client-domain/" + entry.Name,
			Match: func(s session.Session) (Outcome, bool) {
				domain := senderDomain(s.Sender)
				for _, d := range entry.Domains {
					if strings.EqualFold(domain, d) {
						project := entry.Project
						if project == "" {
							project = ProjectUnclassified
						}
						return Outcome{Client: entry.Name, Project: project}, true
					}
				}
				return Outcome{}, false
			},
		})
	}
	for _, entry := range tables.Projects {
		entry := entry
		rules = append(rules, Rule{
			Name: "subject-keyword/" + entry.Name,
			Match: func(s session.Session) (Outcome, bool) {
				subject := strings.ToLower(s.Subject)
				for _, kw := range entry.Keywords {
					if strings.Contains(subject, strings.ToLower(kw)) {
						return Outcome{Client: ClientUnclassified, Project: entry.Name}, true
					}
				}
				return Outcome{}, false
			},
		})
	}
	return rules
}

// senderDomain extracts the domain from an RFC 5322-ish sender, handling both
// "Name <user@dom>" and bare "user@dom" forms.
func senderDomain(sender string) string {
	addr := sender
	if i := strings.LastIndexByte(sender, '<'); i >= 0 {
		addr = strings.TrimSuffix(sender[i+1:], ">")
	}
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return strings.TrimSpace(addr[i+1:])
	}
	return ""
}
