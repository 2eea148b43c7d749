package llm

import (
	"fmt"
	"strings"
)

// NoContextAnswer is the sentence the model is told to use when the context lacks the answer.
const NoContextAnswer = "No relevant information found in the context."

const assistantPreamble = "You are a highly reliable medical assistant."

// ExpansionPrompt asks the model to restate and briefly answer the query so the result can be
// embedded for retrieval.
func ExpansionPrompt(query string) string {
	var b strings.Builder
	b.WriteString(assistantPreamble)
	b.WriteString("\n\nUser Query:\n")
	b.WriteString(query)
	b.WriteString("\n\nTask:\n")
	b.WriteString("1. Include the query at the beginning of your answer.\n")
	b.WriteString("2. Afterwards, add your answer - as brief as possible, yet as informative as possible.\n\n")
	b.WriteString("Answer:")
	return b.String()
}

// ScoringPrompt asks for one 1-10 relevance score per document as a bracketed list.
func ScoringPrompt(query string, documents []string) string {
	var b strings.Builder
	b.WriteString(assistantPreamble)
	b.WriteString("\nRate the relevance of each document below to the query on a scale of 1-10.\n")
	b.WriteString("Consider the specific intent of the query.\n\n")
	fmt.Fprintf(&b, "Query: %s\n\n", query)
	b.WriteString("Please provide scores in this exact format: [score1, score2, score3, ...]\n")
	b.WriteString("where each score is a number between 1 and 10.\n")

	for i, doc := range documents {
		fmt.Fprintf(&b, "\nDocument %d:\n%s\n", i+1, doc)
	}

	b.WriteString("\nRelevance Scores (format: [score1, score2, score3, ...]):")
	return b.String()
}

// Context labels documents "Document i: text" in the given order, separated by blank lines.
func Context(documents []string) string {
	parts := make([]string, len(documents))
	for i, doc := range documents {
		parts[i] = fmt.Sprintf("Document %d: %s", i+1, doc)
	}
	return strings.Join(parts, "\n\n")
}

// AnswerPrompt asks the model to answer the query strictly from the given documents.
func AnswerPrompt(query string, documents []string) string {
	var b strings.Builder
	b.WriteString(assistantPreamble)
	b.WriteString("\nYou have been provided with the following context information from trusted sources.\n\n")
	b.WriteString("Context:\n")
	b.WriteString(Context(documents))
	b.WriteString("\n\nUser Query:\n")
	b.WriteString(query)
	b.WriteString("\n\nTask:\n")
	b.WriteString("1. Answer the query based solely on the provided context.\n")
	fmt.Fprintf(&b, "2. If information is not available in the context, clearly state: '%s'\n\n", NoContextAnswer)
	b.WriteString("Answer:")
	return b.String()
}
