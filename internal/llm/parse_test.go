package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseReplyPlainJSON(t *testing.T) {
	reply := ParseReply(`{"meta_title": "Lamp", "seo_keywords": "lamp, light"}`)
	assert.Equal(t, "Lamp", reply["meta_title"])
	assert.Equal(t, "lamp, light", reply["seo_keywords"])
}

func TestParseReplyStripsFences(t *testing.T) {
	text := "Here is the result:\n```json\n{\"category\": \"Home > Lighting\"}\n```\nHope that helps!"
	reply := ParseReply(text)
	assert.Equal(t, "Home > Lighting", reply["category"])
}

func TestParseReplySurroundingProse(t *testing.T) {
	reply := ParseReply(`Sure! {"optimized_title": "Better Lamp"} as requested.`)
	assert.Equal(t, "Better Lamp", reply["optimized_title"])
}

func TestParseReplyBracesInsideStrings(t *testing.T) {
	reply := ParseReply(`{"meta_description": "curly {braces} inside", "ok": true}`)
	assert.Equal(t, "curly {braces} inside", reply["meta_description"])
	assert.Equal(t, true, reply["ok"])
}

func TestParseReplyRepairsSloppyJSON(t *testing.T) {
	// trailing comma and single quotes, typical small-model output
	reply := ParseReply(`{'meta_title': 'Lamp', 'seo_keywords': 'lamp',}`)
	assert.Equal(t, "Lamp", reply["meta_title"])
	_, hasError := reply["error"]
	assert.False(t, hasError)
}

func TestParseReplyUnparseable(t *testing.T) {
	text := "I could not produce any structured output."
	reply := ParseReply(text)
	assert.Equal(t, text, reply["raw_response"])
	assert.Equal(t, "JSON parsing failed", reply["error"])
}

func TestParseReplyIdempotentOnFailureMarker(t *testing.T) {
	first := ParseReply("no json here")
	second := ParseReply(first["raw_response"].(string))
	assert.Equal(t, first["error"], second["error"])
	assert.Equal(t, first["raw_response"], second["raw_response"])
}

func TestValidateReply(t *testing.T) {
	reply := map[string]any{"meta_title": "x", "meta_description": "y", "seo_keywords": "z"}
	assert.True(t, ValidateReply(reply, []string{"meta_title", "meta_description", "seo_keywords"}))
	assert.False(t, ValidateReply(reply, []string{"meta_title", "missing"}))
	assert.True(t, ValidateReply(reply, nil))
	assert.False(t, ValidateReply(nil, nil))
}
