package verifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/richinex/urlverify/llm"
	"github.com/richinex/urlverify/model"
)

// Values recorded by the verification step.
const (
	AccessibleAnswer   = "Page accessible"
	AccessibleAnalysis = "URL is accessible and content was retrieved."
	NotFoundAnswer     = "Not found"
	ErrorAnswer        = "Error"
)

// Principle is the equivalence criterion handed to the agreement step.
const Principle = "The result must accurately reflect the content and answer the query concisely. If the URL is inaccessible, it should report the error."

// DefaultContentLimit is the number of characters of page text given to
// the language model.
const DefaultContentLimit = 10000

// sniffedStatusCodes are searched for in failure text, in this order.
var sniffedStatusCodes = []int{403, 404, 500, 502, 503}

const promptTemplate = `Analyze the following content based on this query: '%s'.
Return a JSON object with the following fields:
- content_found: boolean, true if the answer to the query is found in the content.
- concise_answer: string, a very short and direct answer to the query (e.g., "$85,000"). If not found, say "Not found".
- analysis: string, a brief explanation or context.

Content:
%s`

// answerSchema constrains the model's answer to the fields promptTemplate
// asks for.
var answerSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"content_found": {"type": "boolean"},
		"concise_answer": {"type": "string"},
		"analysis": {"type": "string"}
	},
	"required": ["content_found", "concise_answer", "analysis"],
	"additionalProperties": false
}`)

// answerFormat is the response format requested for page questions.
func answerFormat() *llm.ResponseFormat {
	return llm.NewJSONSchemaFormat("page_answer", answerSchema)
}

func buildPrompt(query, content string) string {
	return fmt.Sprintf(promptTemplate, query, content)
}

// truncateRunes returns the first n characters of s.
func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// sniffStatus returns the first known HTTP status code contained in msg,
// or 0.
func sniffStatus(msg string) int {
	for _, code := range sniffedStatusCodes {
		if strings.Contains(msg, strconv.Itoa(code)) {
			return code
		}
	}
	return 0
}

func accessibleOutcome() model.Outcome {
	return model.Outcome{
		StatusCode:    200,
		IsAccessible:  true,
		ContentFound:  true,
		ConciseAnswer: AccessibleAnswer,
		Analysis:      AccessibleAnalysis,
	}
}

func failureOutcome(err error) model.Outcome {
	msg := err.Error()
	return model.Outcome{
		StatusCode:    sniffStatus(msg),
		IsAccessible:  false,
		ErrorMessage:  msg,
		ContentFound:  false,
		ConciseAnswer: ErrorAnswer,
		Analysis:      "",
	}
}

// answerOutcome maps the model's answer onto an outcome. Missing fields
// take their defaults.
func answerOutcome(answer map[string]any) model.Outcome {
	return model.Outcome{
		StatusCode:    200,
		IsAccessible:  true,
		ContentFound:  boolField(answer, "content_found"),
		ConciseAnswer: stringField(answer, "concise_answer", NotFoundAnswer),
		Analysis:      stringField(answer, "analysis", ""),
	}
}

// boolField reads a boolean, accepting "true"/"false" strings. Anything
// else is false.
func boolField(answer map[string]any, key string) bool {
	switch v := answer[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return err == nil && b
	default:
		return false
	}
}

// stringField reads a string. Missing and null values give def; numbers
// and booleans are formatted; objects and arrays are re-encoded as JSON.
func stringField(answer map[string]any, key, def string) string {
	v, ok := answer[key]
	if !ok || v == nil {
		return def
	}
	switch v := v.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

func encodeOutcome(o model.Outcome) (string, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return "", fmt.Errorf("failed to encode outcome: %w", err)
	}
	return string(data), nil
}

// outcomeFields are the keys every agreed value must carry.
var outcomeFields = []string{"status_code", "is_accessible", "error_message", "content_found", "concise_answer", "analysis"}

// decodeOutcome parses an agreed value. The value must be a single JSON
// object holding every outcome field and nothing else; negative status
// codes are rejected.
func decodeOutcome(value string) (model.Outcome, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(value), &fields); err != nil {
		return model.Outcome{}, fmt.Errorf("malformed agreed result: %w", err)
	}
	for _, name := range outcomeFields {
		if _, ok := fields[name]; !ok {
			return model.Outcome{}, fmt.Errorf("malformed agreed result: missing field %q", name)
		}
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(value)))
	dec.DisallowUnknownFields()

	var o model.Outcome
	if err := dec.Decode(&o); err != nil {
		return model.Outcome{}, fmt.Errorf("malformed agreed result: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return model.Outcome{}, fmt.Errorf("malformed agreed result: trailing data after object")
	}
	if o.StatusCode < 0 {
		return model.Outcome{}, fmt.Errorf("malformed agreed result: negative status code %d", o.StatusCode)
	}
	return o, nil
}
