package orchestrator

import "strings"

// intentRules is the ordered keyword rule set for advisory intent
// classification. The first rule with any keyword contained in the
// lower-cased input wins; no match falls through to "general".
var intentRules = []struct {
	intent   string
	keywords []string
}{
	{"home_automation", []string{"turn on", "turn off", "light", "thermostat", "lock", "unlock", "dim", "switch on", "switch off"}},
	{"scheduling", []string{"schedule", "remind", "reminder", "calendar", "appointment", "meeting", "tomorrow at"}},
	{"information", []string{"what is", "what's", "who is", "where is", "when is", "how do", "how does", "why", "tell me about"}},
	{"memory", []string{"remember", "forget", "recall", "what did i"}},
}

// IntentGeneral is the default category when no rule matches.
const IntentGeneral = "general"

// classifyIntent assigns an advisory category to the user input. It is
// metadata only and never gates pipeline behavior.
func classifyIntent(text string) string {
	lowered := strings.ToLower(text)
	for _, rule := range intentRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(lowered, keyword) {
				return rule.intent
			}
		}
	}
	return IntentGeneral
}
