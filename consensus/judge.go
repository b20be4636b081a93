package consensus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/richinex/urlverify/llm"
)

const judgePrompt = `Two independent executions of the same task produced the results below.
Decide whether they are equivalent under this principle:

%s

Result A:
%s

Result B:
%s

Return a JSON object with the fields:
- equivalent: boolean, true if both results satisfy the principle equally and do not contradict each other.
- reason: string, one short sentence.`

var verdictSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"equivalent": {"type": "boolean"},
		"reason": {"type": "string"}
	},
	"required": ["equivalent", "reason"],
	"additionalProperties": false
}`)

// LLMJudge asks a language model to compare two results.
type LLMJudge struct {
	client *llm.Client
}

// NewLLMJudge creates a judge backed by client.
func NewLLMJudge(client *llm.Client) *LLMJudge {
	return &LLMJudge{client: client}
}

// Equivalent reports the model's verdict. A missing or non-boolean
// verdict is an error.
func (j *LLMJudge) Equivalent(ctx context.Context, principle, leader, validator string) (bool, error) {
	answer, err := j.client.Ask(ctx, fmt.Sprintf(judgePrompt, principle, leader, validator), llm.NewJSONSchemaFormat("verdict", verdictSchema))
	if err != nil {
		return false, err
	}

	verdict, ok := answer["equivalent"].(bool)
	if !ok {
		return false, fmt.Errorf("judge answer has no boolean verdict: %v", answer)
	}
	return verdict, nil
}

// Verify LLMJudge implements Judge
var _ Judge = (*LLMJudge)(nil)
