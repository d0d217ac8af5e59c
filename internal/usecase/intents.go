package usecase

import "strings"

// IntentOpenAccount is the account-opening request intent.
const IntentOpenAccount = "OpenAccount"

// IntentRule maps an intent to the phrases that trigger it and the reply
// sent without consulting the completion service.
type IntentRule struct {
	Intent  string
	Phrases []string
	Reply   string
}

// DefaultIntentRules are matched in order; the first rule with a phrase
// contained in the lower-cased input wins.
var DefaultIntentRules = []IntentRule{
	{
		Intent: IntentOpenAccount,
		Phrases: []string{
			"abrir cuenta",
			"nueva cuenta",
			"crear cuenta",
			"cuenta nueva",
			"abrir una cuenta",
			"quiero una cuenta",
			"necesito cuenta",
			"solicitar cuenta",
			"registrar cuenta",
		},
		Reply: "¡Perfecto! Te ayudo a abrir una nueva cuenta. Necesito algunos datos tuyos para crear la solicitud.",
	},
}

func matchIntent(rules []IntentRule, text string) (IntentRule, bool) {
	lower := strings.ToLower(text)
	for _, r := range rules {
		for _, p := range r.Phrases {
			if p != "" && strings.Contains(lower, p) {
				return r, true
			}
		}
	}
	return IntentRule{}, false
}
