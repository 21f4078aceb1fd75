package webhook

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/voicebridge/voicebridge/pkg/models"
)

// Rule maps normalized events to job enqueues. The When expression is
// evaluated against RuleEnv; a true result enqueues a job of the given
// type. Expressions are admin-supplied, so they are compiled once and
// type-checked against the env at startup.
type Rule struct {
	Name string         `json:"name"`
	When string         `json:"when"`
	Job  models.JobType `json:"job"`

	prog *vm.Program
}

// RuleEnv is the expression environment: the normalized event flattened
// into scalars, plus deployment facts a rule may branch on.
type RuleEnv struct {
	Type        string `expr:"type"`
	Text        string `expr:"text"`
	IsFinal     bool   `expr:"is_final"`
	Speaker     string `expr:"speaker"`
	Code        string `expr:"code"`
	CallID      string `expr:"call_id"`
	Provider    string `expr:"provider"`
	HasCallback bool   `expr:"has_callback"`
}

// RuleSet holds compiled dispatch rules.
type RuleSet struct {
	rules []Rule
}

// DefaultRules is the out-of-the-box dispatch policy: final transcripts
// feed the transcription pipeline, call teardown notifies the
// configured callback endpoint.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name: "final-transcript",
			When: `type == "transcript" && is_final && has_callback`,
			Job:  models.JobTranscribe,
		},
		{
			Name: "call-ended-callback",
			When: `type == "disconnected" && has_callback`,
			Job:  models.JobWebhookCallback,
		},
	}
}

// CompileRules type-checks every expression against RuleEnv and returns
// the compiled set. A single bad expression fails the whole set so a
// misconfigured rule is caught at startup, not at dispatch time.
func CompileRules(rules []Rule) (*RuleSet, error) {
	compiled := make([]Rule, 0, len(rules))
	for _, r := range rules {
		prog, err := expr.Compile(r.When, expr.Env(RuleEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compile rule %q: %w", r.Name, err)
		}
		r.prog = prog
		compiled = append(compiled, r)
	}
	return &RuleSet{rules: compiled}, nil
}

// Evaluate returns the job types whose rules matched the event. Rule
// evaluation errors are returned so the gateway can treat dispatch as
// failed and let the vendor redeliver.
func (rs *RuleSet) Evaluate(env RuleEnv) ([]models.JobType, error) {
	var matched []models.JobType
	for _, r := range rs.rules {
		out, err := expr.Run(r.prog, env)
		if err != nil {
			return nil, fmt.Errorf("evaluate rule %q: %w", r.Name, err)
		}
		if out.(bool) {
			matched = append(matched, r.Job)
		}
	}
	return matched, nil
}
